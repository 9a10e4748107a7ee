package ctxutil

import (
	"context"
	"time"
)

// private keys so nothing outside this package collides with them
type key int

const (
	keyRequestID key = iota
	keyClientIP
	keyOpName
	keyAdmin
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok
}

// WithClientIP / ClientIP carry the caller address used for rate limiting.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

func ClientIP(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyClientIP).(string)
	return v, ok
}

// WithOp / Op name the operation for logs.
func WithOp(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyOpName, name)
}

func Op(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOpName).(string)
	return v, ok
}

// WithAdmin / Admin carry the subject of a verified admin token.
func WithAdmin(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, keyAdmin, subject)
}

func Admin(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAdmin).(string)
	return v, ok
}

var (
	DefaultDBTimeout = 5 * time.Second
)

// WithTimeout is context.WithTimeout that treats d <= 0 as "no timeout".
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// WithDBTimeout caps a DB call at DefaultDBTimeout or the parent's remaining deadline.
func WithDBTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := parent.Deadline(); ok {
		remain := time.Until(dl)
		if remain < DefaultDBTimeout {
			return context.WithTimeout(parent, remain)
		}
	}
	return context.WithTimeout(parent, DefaultDBTimeout)
}
