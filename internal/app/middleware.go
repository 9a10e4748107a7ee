package app

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/ctxutil"
	"github.com/christmasforkids/cfk-sponsorship/internal/metrics"
	"github.com/christmasforkids/cfk-sponsorship/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// withRequestContext tags the request with an ID and the caller's address.
func withRequestContext(trusted []netip.Prefix, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := ctxutil.WithRequestID(r.Context(), id)
		ctx = ctxutil.WithClientIP(ctx, clientIP(r, trusted))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIP is the socket peer unless that peer is a trusted proxy. Behind
// trusted proxies X-Forwarded-For is read from the right and the first hop
// that is not a trusted proxy is the client.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			// garbage from an untrusted hop, stop at the last address we can vouch for
			break
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func accessLog(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status/100)+"xx").Inc()

		reqID, _ := ctxutil.RequestID(r.Context())
		log.Info("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", reqID))
	})
}

func recoverer(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				err := observability.RecoverErr(p, r.Method+" "+r.URL.Path)
				metrics.HandlerErrors.Inc()
				log.Error("handler panicked", zap.Error(err), zap.Stack("stack"))
				fail(w, http.StatusInternalServerError, "A system error occurred. Please try again.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimited caps POSTs per client address. Limiter errors let the request through.
func rateLimited(l Limiter, log *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _ := ctxutil.ClientIP(r.Context())
		allowed, err := l.Allow(r.Context(), ip)
		if err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			allowed = true
		}
		if !allowed {
			w.Header().Set("Retry-After", "60")
			fail(w, http.StatusTooManyRequests, "Too many requests. Please wait a minute and try again.")
			return
		}
		next(w, r)
	}
}
