package metrics

import "github.com/prometheus/client_golang/prometheus"

// RedisMetrics holds Prometheus metrics for Redis clients, labelled by the
// broker role each client serves.
type RedisMetrics struct {
	Operations          *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	ConnectionErrors    *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips *prometheus.CounterVec
}

// NewRedisMetrics creates and registers Redis metrics on the given registry.
func NewRedisMetrics(reg prometheus.Registerer) *RedisMetrics {
	m := &RedisMetrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of Redis operations, by role, command and status.",
		}, []string{"role", "command", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds, by role.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"role"}),
		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Total number of failed Redis dials, by role.",
		}, []string{"role"}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state",
			Help:      "Publisher circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of publisher circuit breaker transitions, by new state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.Operations, m.OperationDuration, m.ConnectionErrors,
		m.CircuitBreakerState, m.CircuitBreakerTrips)
	return m
}
