package call

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	active   prometheus.Gauge
	ended    *prometheus.CounterVec
	ringTime prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_calls_active",
			Help: "Calls with at least one participant on this instance.",
		}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_calls_ended_total",
			Help: "Tracked calls that ended, by reason.",
		}, []string{"reason"}),
		ringTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatapp_call_ring_seconds",
			Help:    "Time from offer to answer.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
	}

	reg.MustRegister(m.active, m.ended, m.ringTime)
	return m
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

func (m *Metrics) recordEnded(reason string) {
	if m == nil {
		return
	}
	switch reason {
	case "":
		reason = ReasonHangup
	case ReasonHangup, ReasonRejected, ReasonBusy, ReasonTimeout, ReasonFailed, ReasonDisconnect, ReasonMedia:
	default:
		reason = "other"
	}
	m.ended.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRing(d time.Duration) {
	if m == nil {
		return
	}
	m.ringTime.Observe(d.Seconds())
}
