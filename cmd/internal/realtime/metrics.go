package realtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sessiond",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open websocket connections.",
		},
	)
	wsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "ws",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes dropped because a subscriber queue was full.",
		},
	)
	archiveAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "archive",
			Name:      "appends_total",
			Help:      "Archive appends by result (stored, duplicate, error).",
		},
		[]string{"result"},
	)
)

// RegisterMetrics registers the gateway and archive collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(wsConnections, wsDropped, archiveAppends)
	})
}
