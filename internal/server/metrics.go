package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type hubMetrics struct {
	activeConns   prometheus.Gauge
	connsTotal    prometheus.Counter
	authFailures  prometheus.Counter
	frameErrors   *prometheus.CounterVec
	frameLatency  *prometheus.HistogramVec
	disconnects   *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
	presenceFlips *prometheus.CounterVec
}

func newHubMetrics(reg prometheus.Registerer) *hubMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &hubMetrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatapp_connections_active",
			Help: "Current number of websocket connections on the instance.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_connections_total",
			Help: "Total number of websocket connections accepted since start.",
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatapp_handshake_auth_failures_total",
			Help: "Handshakes rejected before upgrade.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_frame_errors_total",
			Help: "Inbound frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatapp_frame_latency_seconds",
			Help:    "Latency for handling inbound frames.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"op"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_disconnects_total",
			Help: "Websocket disconnects grouped by reason.",
		}, []string{"reason"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_api_requests_total",
			Help: "REST requests grouped by route and status class.",
		}, []string{"route", "status"}),
		presenceFlips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatapp_presence_broadcasts_total",
			Help: "getOnlineUsers broadcasts triggered by presence changes.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connsTotal,
		m.authFailures,
		m.frameErrors,
		m.frameLatency,
		m.disconnects,
		m.apiRequests,
		m.presenceFlips,
	)
	return m
}

func (m *hubMetrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connsTotal.Inc()
}

func (m *hubMetrics) decConn(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.activeConns.Dec()
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *hubMetrics) recordAuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

func (m *hubMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *hubMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *hubMetrics) recordAPI(route string, status int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.apiRequests.WithLabelValues(route, class).Inc()
}

func (m *hubMetrics) recordPresence(online bool) {
	if m == nil {
		return
	}
	dir := "offline"
	if online {
		dir = "online"
	}
	m.presenceFlips.WithLabelValues(dir).Inc()
}
