package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/db"
	"github.com/christmasforkids/cfk-sponsorship/internal/metrics"
	"github.com/christmasforkids/cfk-sponsorship/internal/roster"
	"github.com/christmasforkids/cfk-sponsorship/internal/sponsorship"
)

// RosterImporter is implemented by roster.Importer.
type RosterImporter interface {
	Import(ctx context.Context, r io.Reader) (*roster.Report, error)
}

// BackupTrigger is implemented by backupclient.Client.
type BackupTrigger interface {
	TriggerBackup(ctx context.Context) (string, error)
}

type Deps struct {
	Manager  *sponsorship.Manager
	Catalog  db.Catalog
	Auth     *Auth
	Limiter  Limiter
	Importer RosterImporter
	Backup   BackupTrigger
	Log      *zap.Logger
	Location *time.Location
	Now      func() time.Time

	// TrustedProxies are the peers whose X-Forwarded-For is believed.
	TrustedProxies []netip.Prefix
}

type Server struct {
	Deps
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{Deps: d}
}

// Handler is the full API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/children", s.listChildren)
	mux.HandleFunc("GET /api/children/{id}", s.getChild)
	mux.HandleFunc("GET /api/children/{id}/availability", s.availability)
	mux.HandleFunc("POST /api/children/{id}/sponsor", rateLimited(s.Limiter, s.Log, s.sponsor))
	mux.HandleFunc("GET /api/families/{number}", s.family)

	admin := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.Auth.requireAdmin(h))
	}
	admin("POST /api/admin/sponsorships/{id}/confirm", s.transition(s.Manager.ConfirmSponsorship))
	admin("POST /api/admin/sponsorships/{id}/log", s.transition(s.Manager.LogSponsorship))
	admin("POST /api/admin/sponsorships/{id}/unlog", s.transition(s.Manager.UnlogSponsorship))
	admin("POST /api/admin/sponsorships/{id}/complete", s.transition(s.Manager.CompleteSponsorship))
	admin("POST /api/admin/sponsorships/{id}/cancel", s.cancel)
	admin("POST /api/admin/children/{id}/release", s.release)
	admin("GET /api/admin/sponsorships", s.listSponsorships)
	admin("GET /api/admin/stats", s.stats)
	admin("POST /api/admin/import", s.importRoster)
	admin("GET /api/admin/export", s.export)
	admin("POST /api/admin/backup", s.backup)

	return withRequestContext(s.TrustedProxies, accessLog(s.Log, recoverer(s.Log, mux)))
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 800*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	if err := s.Catalog.Ping(ctx); err != nil {
		http.Error(w, "db not ok", http.StatusServiceUnavailable)
		return
	}
	metrics.ObserveDBPing(time.Since(t0))
	_, _ = w.Write([]byte("ok"))
}

type HTTPServer struct {
	srv  *http.Server
	done chan struct{}
}

// StartHTTP serves h on addr until ctx ends, then shuts down gracefully.
func StartHTTP(ctx context.Context, addr string, h http.Handler, log *zap.Logger) *HTTPServer {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	hs := &HTTPServer{srv: srv, done: make(chan struct{})}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	go func() {
		defer close(hs.done)
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Info("http listening", zap.String("addr", addr))
	return hs
}

// Done is closed once shutdown has finished.
func (h *HTTPServer) Done() <-chan struct{} { return h.done }
