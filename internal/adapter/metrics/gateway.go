package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics holds Prometheus metrics for client connections and
// notification emission.
type GatewayMetrics struct {
	ActiveConnections prometheus.Gauge
	RejectedHandshake *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	ClientEvents      *prometheus.CounterVec
}

// NewGatewayMetrics creates and registers gateway metrics on the given registry.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		RejectedHandshake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "rejected_handshakes_total",
			Help:      "Total number of rejected WebSocket handshakes, by reason.",
		}, []string{"reason"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "emitted_total",
			Help:      "Total number of notification emits, by result.",
		}, []string{"result"}),
		ClientEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "client_events_total",
			Help:      "Total number of inbound client events, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.ActiveConnections, m.RejectedHandshake, m.Notifications, m.ClientEvents)
	return m
}
