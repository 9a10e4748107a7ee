package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/christmasforkids/cfk-sponsorship/internal/ctxutil"
)

const (
	adminRole   = "admin"
	tokenIssuer = "cfk-sponsorship"
)

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and checks the HS256 bearer tokens volunteers use for the admin API.
type Auth struct {
	secret []byte
	now    func() time.Time
}

func NewAuth(secret string) (*Auth, error) {
	if len(secret) < 16 {
		return nil, errors.New("admin jwt secret must be at least 16 characters")
	}
	return &Auth{secret: []byte(secret), now: time.Now}, nil
}

func (a *Auth) Issue(subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("empty subject")
	}
	now := a.now()
	claims := AdminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) Verify(raw string) (*AdminClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	claims := &AdminClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	if claims.Role != adminRole {
		return nil, fmt.Errorf("role %q is not allowed", claims.Role)
	}
	return claims, nil
}

func (a *Auth) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || raw == "" {
			fail(w, http.StatusUnauthorized, "Missing bearer token.")
			return
		}
		claims, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			fail(w, http.StatusUnauthorized, "Invalid or expired token.")
			return
		}
		next.ServeHTTP(w, r.WithContext(ctxutil.WithAdmin(r.Context(), claims.Subject)))
	})
}
