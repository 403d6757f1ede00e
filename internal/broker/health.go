package broker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultHealthInterval is the probe period used when none is configured.
	DefaultHealthInterval = 5 * time.Second

	probeTimeout = 3 * time.Second
)

// HealthStatus is the outcome of one cluster probe.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ClusterHealth is the result of CheckHealth.
type ClusterHealth struct {
	Status    HealthStatus `json:"status"`
	Nodes     int          `json:"nodes"`
	Error     string       `json:"error,omitempty"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// HealthCallback receives the result of every periodic probe.
type HealthCallback func(ClusterHealth)

// HealthMonitor probes the cluster and owns the degraded-mode flag.
type HealthMonitor struct {
	prober  ClusterProber
	clock   clockwork.Clock
	metrics *metrics.BrokerMetrics

	degraded atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewHealthMonitor(prober ClusterProber, clock clockwork.Clock, m *metrics.BrokerMetrics) *HealthMonitor {
	return &HealthMonitor{prober: prober, clock: clock, metrics: m}
}

// CheckHealth probes liveness and cluster state. Failures are reported in
// the result.
func (h *HealthMonitor) CheckHealth(ctx context.Context) ClusterHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	health := h.probe(ctx)
	health.CheckedAt = h.clock.Now()
	h.metrics.HealthChecks.WithLabelValues(string(health.Status)).Inc()
	return health
}

func (h *HealthMonitor) probe(ctx context.Context) ClusterHealth {
	if err := h.prober.Ping(ctx); err != nil {
		return ClusterHealth{Status: StatusUnhealthy, Error: err.Error()}
	}

	info, err := h.prober.ClusterInfo(ctx)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "cluster support disabled") {
			return ClusterHealth{Status: StatusHealthy, Nodes: 1}
		}
		return ClusterHealth{Status: StatusUnhealthy, Error: err.Error()}
	}
	return parseClusterInfo(info)
}

// parseClusterInfo maps CLUSTER INFO output to a health result.
func parseClusterInfo(info string) ClusterHealth {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if ok {
			fields[key] = value
		}
	}

	nodes, _ := strconv.Atoi(fields["cluster_known_nodes"])
	state, ok := fields["cluster_state"]
	switch {
	case !ok:
		return ClusterHealth{Status: StatusUnhealthy, Nodes: nodes, Error: "cluster_state missing from CLUSTER INFO"}
	case state == "ok":
		return ClusterHealth{Status: StatusHealthy, Nodes: nodes}
	default:
		return ClusterHealth{Status: StatusDegraded, Nodes: nodes, Error: fmt.Sprintf("cluster_state:%s", state)}
	}
}

// StartPeriodicCheck probes every interval and hands each result to
// callback. A running schedule is replaced.
func (h *HealthMonitor) StartPeriodicCheck(callback HealthCallback, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	h.StopPeriodicCheck()

	stop := make(chan struct{})
	done := make(chan struct{})
	h.mu.Lock()
	h.stop, h.done = stop, done
	h.mu.Unlock()

	ticker := h.clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				h.runCheck(callback)
			}
		}
	}()
	slog.Info("Cluster health checks started", "interval", interval)
}

func (h *HealthMonitor) runCheck(callback HealthCallback) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Cluster health check panicked", "panic", r)
		}
	}()

	health := h.CheckHealth(context.Background())
	if health.Status != StatusHealthy {
		slog.Warn("Cluster unhealthy", "status", health.Status, "error", health.Error)
	}
	if callback != nil {
		callback(health)
	}
}

// StopPeriodicCheck stops the schedule and waits for an in-flight probe.
func (h *HealthMonitor) StopPeriodicCheck() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (h *HealthMonitor) EnterDegradedMode() {
	if h.degraded.CompareAndSwap(false, true) {
		h.metrics.Degraded.Set(1)
		slog.Warn("Entering degraded mode")
	}
}

func (h *HealthMonitor) ExitDegradedMode() {
	if h.degraded.CompareAndSwap(true, false) {
		h.metrics.Degraded.Set(0)
		slog.Info("Exiting degraded mode")
	}
}

func (h *HealthMonitor) IsDegraded() bool {
	return h.degraded.Load()
}
