package authapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts auth outcomes per endpoint.
type Metrics struct {
	requests *prometheus.CounterVec
	rejects  *prometheus.CounterVec
}

// NewMetrics registers the auth counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatmate",
			Subsystem: "auth",
			Name:      "requests_total",
			Help:      "Auth requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatmate",
			Subsystem: "auth",
			Name:      "refresh_rejections_total",
			Help:      "Refresh rejections by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.rejects)
	}
	return m
}

func (m *Metrics) observe(endpoint, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, result).Inc()
}

func (m *Metrics) refreshRejected(reason string) {
	if m == nil || reason == "" {
		return
	}
	m.rejects.WithLabelValues(reason).Inc()
}
