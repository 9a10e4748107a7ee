package jobs

import (
	"context"

	"go.uber.org/zap"
)

const ExpireReservationsJob = "expire_reservations"

// Expirer is implemented by sponsorship.Manager.
type Expirer interface {
	ExpireStaleReservations(ctx context.Context) (int, error)
}

// ExpireReservations releases abandoned holds so children reappear in the listing.
func ExpireReservations(e Expirer, log *zap.Logger) Job {
	return func(ctx context.Context) error {
		n, err := e.ExpireStaleReservations(ctx)
		if n > 0 {
			log.Info("expired stale reservations", zap.Int("count", n))
		}
		return err
	}
}
