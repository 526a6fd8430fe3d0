package supervisor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "sessions",
			Help:      "Registered sessions by state.",
		},
		[]string{"state"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts started after a transient disconnect.",
		},
	)
	teardowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "session_teardowns_total",
			Help:      "Sessions stopped for good, by reason.",
		},
		[]string{"reason"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "events_total",
			Help:      "Events published, by kind.",
		},
		[]string{"kind"},
	)
	credsSaveErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "credential_save_errors_total",
			Help:      "Failed credential writes.",
		},
	)
)

// RegisterMetrics registers the supervisor collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsGauge, reconnectAttempts, teardowns, eventsTotal, credsSaveErrors)
	})
}

func recordState(from, to State) {
	if from != 0 && from != StateClosed {
		sessionsGauge.WithLabelValues(from.String()).Dec()
	}
	if to != StateClosed {
		sessionsGauge.WithLabelValues(to.String()).Inc()
	}
}
