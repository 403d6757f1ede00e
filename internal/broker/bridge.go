package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
)

const receiveBackoff = time.Second

// Dispatcher delivers a decoded fan-out event to local connections.
type Dispatcher interface {
	Dispatch(ctx context.Context, event domain.FanoutEvent) error
}

// BridgeStats is a snapshot of the bridge counters.
type BridgeStats struct {
	EventsDispatched int64
	DeliveryErrors   int64
}

// Bridge consumes the fan-out channel on the worker link and hands every
// event to the dispatcher, one message at a time.
type Bridge struct {
	pool       *Pool
	dispatcher Dispatcher
	clock      clockwork.Clock
	metrics    *metrics.BrokerMetrics

	dispatched     atomic.Int64
	deliveryErrors atomic.Int64

	mu       sync.Mutex
	sub      Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	degraded func() bool
}

func NewBridge(pool *Pool, dispatcher Dispatcher, clock clockwork.Clock, m *metrics.BrokerMetrics) *Bridge {
	return &Bridge{pool: pool, dispatcher: dispatcher, clock: clock, metrics: m}
}

// SetDegradedCheck installs fn. While fn reports true the read loop waits
// instead of resubscribing.
func (b *Bridge) SetDegradedCheck(fn func() bool) {
	b.mu.Lock()
	b.degraded = fn
	b.mu.Unlock()
}

func (b *Bridge) suspended() bool {
	b.mu.Lock()
	fn := b.degraded
	b.mu.Unlock()
	return fn != nil && fn()
}

// Initialize subscribes to the fan-out channel and starts the read loop.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done != nil {
		return nil
	}

	sub, err := b.pool.Subscribe(ctx, RoleWorker, domain.FanoutChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.FanoutChannel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.sub = sub
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(loopCtx, b.done)

	slog.Info("Event bridge subscribed", "channel", domain.FanoutChannel)
	return nil
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		b.mu.Lock()
		sub := b.sub
		b.mu.Unlock()

		if sub == nil {
			if !b.resubscribe(ctx) {
				return
			}
			continue
		}

		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.pool.ReportError(RoleWorker, err)
			b.dropSubscription(sub)
			if !b.sleep(ctx, receiveBackoff) {
				return
			}
			continue
		}
		b.handleMessage(ctx, msg)
	}
}

func (b *Bridge) dropSubscription(sub Subscription) {
	b.mu.Lock()
	if b.sub == sub {
		b.sub = nil
	}
	b.mu.Unlock()
	_ = sub.Close()
}

// resubscribe retries until a new subscription is open or ctx is done.
func (b *Bridge) resubscribe(ctx context.Context) bool {
	for {
		if b.suspended() {
			if !b.sleep(ctx, receiveBackoff) {
				return false
			}
			continue
		}

		sub, err := b.pool.Subscribe(ctx, RoleWorker, domain.FanoutChannel)
		if err == nil {
			b.mu.Lock()
			if ctx.Err() != nil {
				b.mu.Unlock()
				_ = sub.Close()
				return false
			}
			b.sub = sub
			b.mu.Unlock()
			slog.Info("Event bridge resubscribed", "channel", domain.FanoutChannel)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("Event bridge resubscribe failed", "error", err)
		if !b.sleep(ctx, receiveBackoff) {
			return false
		}
	}
}

func (b *Bridge) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-b.clock.After(d):
		return true
	}
}

// handleMessage processes one delivery. Failures are counted and logged.
func (b *Bridge) handleMessage(ctx context.Context, msg Message) {
	b.dispatched.Add(1)
	b.metrics.EventsDispatched.Inc()

	if msg.Channel != domain.FanoutChannel {
		return
	}
	if err := b.deliver(ctx, msg.Payload); err != nil {
		b.deliveryErrors.Add(1)
		b.metrics.DeliveryErrors.Inc()
		slog.Warn("Failed to deliver fan-out event", "error", err)
	}
}

func (b *Bridge) deliver(ctx context.Context, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()

	event, err := domain.DecodeEvent(payload)
	if err != nil {
		return err
	}
	return b.dispatcher.Dispatch(ctx, event)
}

// Close stops the read loop and releases the subscription.
func (b *Bridge) Close() error {
	b.mu.Lock()
	cancel, done, sub := b.cancel, b.done, b.sub
	b.cancel, b.done, b.sub = nil, nil, nil
	b.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	<-done
	if errors.Is(err, ErrLinkClosed) {
		return nil
	}
	return err
}

func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		EventsDispatched: b.dispatched.Load(),
		DeliveryErrors:   b.deliveryErrors.Load(),
	}
}
