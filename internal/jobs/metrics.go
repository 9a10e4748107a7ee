package jobs

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfk",
			Name:      "job_runs_total",
			Help:      "Passes of periodic jobs such as the reservation sweeper, by outcome",
		},
		[]string{"job", "outcome"},
	)

	// buckets sized for sweeps of a handful of rows
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cfk",
			Name:      "job_duration_seconds",
			Help:      "Time one pass of a periodic job took",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"job"},
	)

	jobLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cfk",
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last pass that finished without error; alert when the sweeper falls behind the reservation timeout",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobRuns, jobDuration, jobLastSuccess)
}
