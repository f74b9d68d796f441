package ws

import "github.com/prometheus/client_golang/prometheus"

// liveSessions tracks registered websocket sessions across all workspaces.
var liveSessions = mustRegisterGauge(prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "qbridge",
	Subsystem: "ws",
	Name:      "sessions",
	Help:      "Number of live collaboration sessions",
}))

func mustRegisterGauge(gauge prometheus.Gauge) prometheus.Gauge {
	if err := prometheus.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return gauge
}
