package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds Prometheus metrics for the operational HTTP surface.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec
}

// NewHTTPMetrics creates and registers HTTP metrics on the given registry.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being processed.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Total number of failed HTTP requests, by error type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge, m.ErrorsTotal)
	return m
}

// untracked reports routes that are scraped constantly or held open for the
// lifetime of a websocket.
func untracked(path string) bool {
	return path == "/metrics" || path == "/ws" || strings.HasPrefix(path, "/health/")
}

// Middleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if untracked(route) {
				return next(c)
			}
			if route == "" {
				route = "unmatched"
			}

			m.InFlightGauge.Inc()
			defer m.InFlightGauge.Dec()

			method := c.Request().Method
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
				code := strconv.Itoa(c.Response().Status)
				m.RequestDuration.WithLabelValues(method, route, code).Observe(v)
				m.RequestsTotal.WithLabelValues(method, route, code).Inc()
			}))
			defer timer.ObserveDuration()

			return next(c)
		}
	}
}
