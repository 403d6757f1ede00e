package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
)

// CircuitBreakerHook fails publisher commands fast while Redis keeps
// failing. Underlying error text is preserved when wrapping so the pool can
// still recognise cluster-down errors.
type CircuitBreakerHook struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*CircuitBreakerHook)(nil)

// NewCircuitBreakerHook opens at a 60% failure rate over at least 5 commands
// in a 10s window, half-opens after 30s and closes on one success.
func NewCircuitBreakerHook(m *metrics.RedisMetrics) *CircuitBreakerHook {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "redis_publisher",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if m != nil {
				m.CircuitBreakerTrips.WithLabelValues(e.NewState.String()).Inc()
				m.CircuitBreakerState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	return &CircuitBreakerHook{cb: cb}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

func (h *CircuitBreakerHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !h.cb.TryAcquirePermit() {
			return nil, fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.cb.RecordError(err)
			return nil, fmt.Errorf("circuit breaker dial failed: %w", err)
		}
		h.cb.RecordSuccess()
		return conn, nil
	}
}

func (h *CircuitBreakerHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open for %s: %w", cmd.Name(), circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmd)
		h.record(err)
		if err != nil {
			return fmt.Errorf("circuit breaker process failed: %w", err)
		}
		return nil
	}
}

func (h *CircuitBreakerHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if !h.cb.TryAcquirePermit() {
			return fmt.Errorf("redis circuit breaker open: %w", circuitbreaker.ErrOpen)
		}

		err := next(ctx, cmds)
		h.record(err)
		if err != nil {
			return fmt.Errorf("circuit breaker pipeline failed: %w", err)
		}
		return nil
	}
}

func (h *CircuitBreakerHook) record(err error) {
	if err != nil && !errors.Is(err, goredis.Nil) {
		h.cb.RecordError(err)
		return
	}
	h.cb.RecordSuccess()
}

// State returns the breaker state.
func (h *CircuitBreakerHook) State() circuitbreaker.State {
	return h.cb.State()
}
