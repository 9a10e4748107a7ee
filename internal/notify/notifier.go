// Package notify tells sponsors and volunteers about new sponsorship requests.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/christmasforkids/cfk-sponsorship/internal/metrics"
	"github.com/christmasforkids/cfk-sponsorship/internal/models"
)

type Notifier interface {
	SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error
}

// Nop drops every notification.
type Nop struct{}

func (Nop) SponsorshipRequested(context.Context, models.SponsorshipDetails) error { return nil }

type named struct {
	channel string
	n       Notifier
}

// Multi delivers to every channel in turn; one failing channel does not stop the others.
type Multi struct {
	log      *zap.Logger
	channels []named
}

func NewMulti(log *zap.Logger) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{log: log}
}

// Add registers a channel. A nil notifier is ignored so callers can pass optional ones.
func (m *Multi) Add(channel string, n Notifier) *Multi {
	if n != nil {
		m.channels = append(m.channels, named{channel: channel, n: n})
	}
	return m
}

func (m *Multi) Len() int { return len(m.channels) }

func (m *Multi) SponsorshipRequested(ctx context.Context, d models.SponsorshipDetails) error {
	var errs []error
	for _, c := range m.channels {
		if err := c.n.SponsorshipRequested(ctx, d); err != nil {
			metrics.Notifications.WithLabelValues(c.channel, "error").Inc()
			m.log.Warn("notification failed",
				zap.String("channel", c.channel),
				zap.Int64("sponsorship_id", d.Sponsorship.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		metrics.Notifications.WithLabelValues(c.channel, "ok").Inc()
	}
	return errors.Join(errs...)
}
