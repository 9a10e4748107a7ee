package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SponsorshipOps counts state-machine operations by name and outcome
	// (ok, not_found, conflict, validation, invalid_transition, system).
	SponsorshipOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cfk", Name: "sponsorship_ops_total", Help: "Sponsorship state machine operations",
	}, []string{"op", "outcome"})
	ReservationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cfk", Name: "reservation_conflicts_total", Help: "Reservations lost to a concurrent sponsor",
	})
	Compensations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cfk", Name: "reservation_compensations_total", Help: "Reservations released after a failed request",
	})
	ExpiredReservations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cfk", Name: "reservations_expired_total", Help: "Pending reservations released by the sweeper",
	})
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cfk", Name: "notifications_total", Help: "Notifications sent by channel and result",
	}, []string{"channel", "result"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cfk", Name: "http_requests_total", Help: "HTTP requests by route and status class",
	}, []string{"route", "code"})
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cfk", Name: "handler_errors_total", Help: "Handler errors",
	})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cfk", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(SponsorshipOps, ReservationConflicts, Compensations, ExpiredReservations,
		Notifications, HTTPRequests, HandlerErrors, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
