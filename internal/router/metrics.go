package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	delivered     *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	publishErrors prometheus.Counter
	emitLatency   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_router_delivered_total",
			Help: "Events handed to local connections, by event name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_router_dropped_total",
			Help: "Events dropped by reason.",
		}, []string{"reason"}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_router_publish_errors_total",
			Help: "Events that could not be published to sibling instances.",
		}),
		emitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatapp_router_emit_seconds",
			Help:    "Time spent in EmitToUser including the bus publish.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"event"}),
	}

	reg.MustRegister(
		m.delivered,
		m.dropped,
		m.publishErrors,
		m.emitLatency,
	)
	return m
}

func (m *Metrics) recordDelivered(name string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(name).Inc()
}

func (m *Metrics) recordDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordPublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *Metrics) observeLatency(name string, dur time.Duration) {
	if m == nil || name == "" {
		return
	}
	m.emitLatency.WithLabelValues(name).Observe(dur.Seconds())
}
