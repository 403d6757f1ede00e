package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
	After               // broker asked us to back off, use the longer backoff
)

type Policy struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ThrottleBackoff time.Duration
	Clock           clockwork.Clock
	OnRetry         func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func(ctx context.Context) (T, error)
type VoidOperation func(ctx context.Context) error

// Always retries every error.
func Always(error) Action { return Retry }

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	if p.MaxAttempts < 1 {
		return zero, fmt.Errorf("retry: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}

	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	backoff := p.InitialBackoff

	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			return zero, &PermanentError{Err: err}
		}

		if attempt == p.MaxAttempts {
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		wait := backoff
		if action == After && p.ThrottleBackoff > wait {
			wait = p.ThrottleBackoff
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		timer := clock.NewTimer(wait)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}

		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op VoidOperation) error {
	_, err := Do(ctx, p, classify, func(ctx context.Context) (struct{}, error) { return struct{}{}, op(ctx) })
	return err
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
