package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, env, release string) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
	}); err != nil {
		return func() {}, err
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

func CaptureErr(err error) {
	if err != nil {
		sentry.CaptureException(err)
	}
}

// CaptureOp reports err tagged with the operation and entity it happened on.
func CaptureOp(ctx context.Context, op string, entityID int64, err error) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("op", op)
		scope.SetTag("entity_id", fmt.Sprint(entityID))
		hub.CaptureException(err)
	})
}

// RecoverErr turns a recovered panic value into an error and reports it.
func RecoverErr(r any, where string) error {
	err := fmt.Errorf("panic in %s: %v", where, r)
	CaptureErr(err)
	return err
}
