package presence

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	transitions  *prometheus.CounterVec
	brokerErrors *prometheus.CounterVec
	degraded     prometheus.Gauge
	swept        prometheus.Counter
	onlineUsers  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_presence_transitions_total",
			Help: "Online/offline transitions observed by this instance.",
		}, []string{"state"}),
		brokerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_presence_broker_errors_total",
			Help: "Presence broker operations that failed, by operation.",
		}, []string{"op"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_presence_degraded",
			Help: "1 while presence runs on the local single-instance view.",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_presence_swept_total",
			Help: "Connection entries removed because their instance stopped heartbeating.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_presence_online_users",
			Help: "Size of the last materialized online set seen by this instance.",
		}),
	}

	reg.MustRegister(
		m.transitions,
		m.brokerErrors,
		m.degraded,
		m.swept,
		m.onlineUsers,
	)
	return m
}

func (m *Metrics) RecordTransition(online bool, setSize int) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.transitions.WithLabelValues(state).Inc()
	m.onlineUsers.Set(float64(setSize))
}

func (m *Metrics) RecordBrokerError(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.brokerErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}
