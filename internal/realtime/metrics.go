package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks gateway connections and pushed events.
type Metrics struct {
	conns   prometheus.Gauge
	events  *prometheus.CounterVec
	drops   prometheus.Counter
	rejects *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatmate",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Authenticated websocket connections.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatmate",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Server-pushed events by type.",
		}, []string{"type"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatmate",
			Subsystem: "realtime",
			Name:      "dropped_total",
			Help:      "Events dropped because a send queue was full.",
		}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatmate",
			Subsystem: "realtime",
			Name:      "rejects_total",
			Help:      "Rejected connections by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.conns, m.events, m.drops, m.rejects)
	}
	return m
}

func (m *Metrics) connected() {
	if m != nil {
		m.conns.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.conns.Dec()
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.drops.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.rejects.WithLabelValues(reason).Inc()
	}
}
