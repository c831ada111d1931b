package bot

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// updatesTotal counts handled updates by event type.
	updatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_updates_total",
			Help: "Total number of chat updates handled.",
		},
		[]string{"event_type"},
	)

	// updateErrors counts updates whose handling failed or panicked.
	updateErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_update_errors_total",
			Help: "Total number of chat updates that failed.",
		},
		[]string{"event_type"},
	)

	// updateDuration records time spent per update, lock wait included.
	updateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bot_update_processing_seconds",
			Help:    "Duration of chat update handling in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// liveSessions gauges in-memory sessions.
	liveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_sessions_live",
			Help: "Current number of in-memory conversation sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(updatesTotal, updateErrors, updateDuration, liveSessions)
}
