package metrics

import "github.com/prometheus/client_golang/prometheus"

// BrokerMetrics holds Prometheus metrics for the broker pool, health monitor,
// event bridge and room adapter.
type BrokerMetrics struct {
	Errors           *prometheus.CounterVec
	Reconnects       prometheus.Counter
	LinkReady        *prometheus.GaugeVec
	EventsDispatched prometheus.Counter
	DeliveryErrors   prometheus.Counter
	Degraded         prometheus.Gauge
	HealthChecks     *prometheus.CounterVec
	RoomMessages     *prometheus.CounterVec
}

// NewBrokerMetrics creates and registers broker metrics on the given registry.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	m := &BrokerMetrics{
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "errors_total",
			Help:      "Total number of broker errors, by class.",
		}, []string{"class"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Total number of successful broker reconnects.",
		}),
		LinkReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "link_ready",
			Help:      "Whether a broker link is ready (1) or not (0), by role.",
		}, []string{"role"}),
		EventsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_dispatched_total",
			Help:      "Total number of fan-out messages received by the bridge.",
		}),
		DeliveryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "delivery_errors_total",
			Help:      "Total number of fan-out messages that failed to decode or dispatch.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "degraded",
			Help:      "Whether the gateway is in degraded mode (1) or not (0).",
		}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "health_checks_total",
			Help:      "Total number of cluster health probes, by resulting status.",
		}, []string{"status"}),
		RoomMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "messages_total",
			Help:      "Total number of inter-node room messages, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(m.Errors, m.Reconnects, m.LinkReady, m.EventsDispatched,
		m.DeliveryErrors, m.Degraded, m.HealthChecks, m.RoomMessages)
	return m
}
