package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the session reset scheduler.
type Metrics struct {
	Resets    prometheus.Counter
	LastReset prometheus.Gauge
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Subsystem: "scheduler",
			Name:      "session_resets_total",
			Help:      "Total scheduled session resets.",
		}),
		LastReset: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Subsystem: "scheduler",
			Name:      "last_session_reset_timestamp_seconds",
			Help:      "Unix time of the last scheduled session reset.",
		}),
	}

	reg.MustRegister(m.Resets, m.LastReset)
	return m
}
