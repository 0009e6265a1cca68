package mesh

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	knownInstances prometheus.Gauge
	published      prometheus.Counter
	publishErrors  prometheus.Counter
	received       prometheus.Counter
	dropped        *prometheus.CounterVec
	evicted        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		knownInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_mesh_instances",
			Help: "Instances seen on the event bus (including self).",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_mesh_frames_published_total",
			Help: "Frames published to the event bus.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_mesh_publish_errors_total",
			Help: "Frames that could not be published.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_mesh_frames_received_total",
			Help: "Frames received from the event bus.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_mesh_frames_dropped_total",
			Help: "Frames dropped by reason.",
		}, []string{"reason"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_mesh_evicted_instances_total",
			Help: "Instances evicted after going quiet.",
		}),
	}

	reg.MustRegister(
		m.knownInstances,
		m.published,
		m.publishErrors,
		m.received,
		m.dropped,
		m.evicted,
	)
	return m
}

func (m *Metrics) SetKnownInstances(n int) {
	if m == nil {
		return
	}
	m.knownInstances.Set(float64(n))
}

func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEvicted() {
	if m == nil {
		return
	}
	m.evicted.Inc()
}
