package redis

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
)

// MetricsHook records every command of one role's client and logs failures.
type MetricsHook struct {
	role    string
	metrics *metrics.RedisMetrics
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(role broker.Role, m *metrics.RedisMetrics) *MetricsHook {
	return &MetricsHook{role: string(role), metrics: m}
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.metrics.ConnectionErrors.WithLabelValues(h.role).Inc()
			slog.Debug("Redis dial failed", "role", h.role, "addr", addr, "error", err)
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		h.observe(cmd.Name(), start, err)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.observe("pipeline", start, err)
		return err
	}
}

func (h *MetricsHook) observe(command string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, goredis.Nil) {
		status = "error"
		slog.Debug("Redis command failed", "role", h.role, "command", command, "error", err)
	}
	h.metrics.Operations.WithLabelValues(h.role, command, status).Inc()
	h.metrics.OperationDuration.WithLabelValues(h.role).Observe(time.Since(start).Seconds())
}
