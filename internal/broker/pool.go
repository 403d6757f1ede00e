package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const (
	// ConnectTimeout bounds how long EnsureConnection waits for a link.
	ConnectTimeout = 10 * time.Second
	// BaseConnectTimeout bounds the wait for the base link during startup.
	BaseConnectTimeout = 15 * time.Second
)

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Errors     int64
	Reconnects int64
	RetryCount int64
}

// ErrorListener observes every error the pool classifies.
type ErrorListener func(class ErrorClass, err error)

// Pool owns the base, publisher, subscriber and worker links. It counts and
// classifies broker errors but never decides on degraded mode.
type Pool struct {
	clock   clockwork.Clock
	metrics *metrics.BrokerMetrics
	links   map[Role]*Link

	errors     atomic.Int64
	reconnects atomic.Int64
	retries    atomic.Int64

	mu        sync.Mutex
	listeners map[int]ErrorListener
	nextID    int
}

// NewPool creates a pool whose links are dialled through factory. No
// connection is attempted until EnsureConnection is called.
func NewPool(factory BackendFactory, clock clockwork.Clock, m *metrics.BrokerMetrics) *Pool {
	p := &Pool{
		clock:     clock,
		metrics:   m,
		links:     make(map[Role]*Link, 4),
		listeners: make(map[int]ErrorListener),
	}
	for _, role := range []Role{RoleBase, RolePublisher, RoleSubscriber, RoleWorker} {
		p.links[role] = newLink(role, factory, p.linkReady, p.ReportError)
		m.LinkReady.WithLabelValues(string(role)).Set(0)
	}
	return p
}

// Link returns the link for role.
func (p *Pool) Link(role Role) *Link {
	return p.links[role]
}

func (p *Pool) linkReady(role Role) {
	p.retries.Store(0)
	p.metrics.LinkReady.WithLabelValues(string(role)).Set(1)
	slog.Info("Broker link ready", "role", role)
}

// EnsureConnection returns once the link for role is ready. It waits at most
// ConnectTimeout (BaseConnectTimeout for the base link).
func (p *Pool) EnsureConnection(ctx context.Context, role Role) error {
	timeout := ConnectTimeout
	if role == RoleBase {
		timeout = BaseConnectTimeout
	}
	return p.ensure(ctx, role, timeout)
}

func (p *Pool) ensure(ctx context.Context, role Role, timeout time.Duration) error {
	link, ok := p.links[role]
	if !ok {
		return fmt.Errorf("unknown broker role %q", role)
	}

	attempt := link.connect()
	select {
	case <-attempt.done:
		return attempt.err
	default:
	}

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-attempt.done:
		return attempt.err
	case <-timer.Chan():
		return &ConnectionTimeoutError{Role: role, Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttemptReconnect ensures the publisher and subscriber links concurrently.
func (p *Pool) AttemptReconnect(ctx context.Context) bool {
	g, gctx := errgroup.WithContext(ctx)
	for _, role := range []Role{RolePublisher, RoleSubscriber} {
		role := role
		g.Go(func() error {
			return p.EnsureConnection(gctx, role)
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("Broker reconnect failed", "error", err)
		return false
	}

	p.reconnects.Add(1)
	p.metrics.Reconnects.Inc()
	slog.Info("Broker reconnected")
	return true
}

// HandleError counts err and classifies it. Cluster-down errors advance the
// consecutive retry counter.
func (p *Pool) HandleError(err error) ErrorClass {
	p.errors.Add(1)
	class := classify(err)
	if class == ClassClusterDown {
		p.retries.Add(1)
	}
	p.metrics.Errors.WithLabelValues(string(class)).Inc()
	return class
}

// ReportError records a failure observed on role's link and notifies the
// error listeners. A cluster-down reply arrived over a live connection, so
// it leaves the link ready and only advances the retry counter.
func (p *Pool) ReportError(role Role, err error) {
	class := p.HandleError(err)
	if link, ok := p.links[role]; ok && class != ClassClusterDown {
		link.markError(err)
		p.metrics.LinkReady.WithLabelValues(string(role)).Set(0)
	}
	slog.Warn("Broker error", "role", role, "class", class, "error", err)

	p.mu.Lock()
	listeners := make([]ErrorListener, 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(class, err)
	}
}

// OnError registers fn for every classified error. The returned function
// removes the registration.
func (p *Pool) OnError(fn ErrorListener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Publish sends payload on channel through the publisher link.
func (p *Pool) Publish(ctx context.Context, channel, payload string) error {
	if err := p.EnsureConnection(ctx, RolePublisher); err != nil {
		return fmt.Errorf("publisher not ready: %w", err)
	}
	backend, err := p.links[RolePublisher].current()
	if err != nil {
		return err
	}
	if err := backend.Publish(ctx, channel, payload); err != nil {
		p.ReportError(RolePublisher, err)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the link for role.
func (p *Pool) Subscribe(ctx context.Context, role Role, channels ...string) (Subscription, error) {
	if err := p.EnsureConnection(ctx, role); err != nil {
		return nil, fmt.Errorf("%s not ready: %w", role, err)
	}
	backend, err := p.links[role].current()
	if err != nil {
		return nil, err
	}
	sub, err := backend.Subscribe(ctx, channels...)
	if err != nil {
		p.ReportError(role, err)
		return nil, fmt.Errorf("failed to subscribe %v: %w", channels, err)
	}
	return sub, nil
}

// Ready reports whether the link for role is ready.
func (p *Pool) Ready(role Role) bool {
	link, ok := p.links[role]
	return ok && link.Ready()
}

// AllReady reports whether the publisher, subscriber and worker links are
// all ready.
func (p *Pool) AllReady() bool {
	return p.Ready(RolePublisher) && p.Ready(RoleSubscriber) && p.Ready(RoleWorker)
}

// RetryCount returns the consecutive cluster-down error count.
func (p *Pool) RetryCount() int64 {
	return p.retries.Load()
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Errors:     p.errors.Load(),
		Reconnects: p.reconnects.Load(),
		RetryCount: p.retries.Load(),
	}
}

// Disconnect closes the publisher, subscriber and worker links concurrently,
// then the base link. Close errors are logged, not returned.
func (p *Pool) Disconnect(ctx context.Context) {
	var wg sync.WaitGroup
	for _, role := range []Role{RolePublisher, RoleSubscriber, RoleWorker} {
		role := role
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.closeLink(ctx, role)
		}()
	}
	wg.Wait()
	p.closeLink(ctx, RoleBase)
}

func (p *Pool) closeLink(ctx context.Context, role Role) {
	p.metrics.LinkReady.WithLabelValues(string(role)).Set(0)
	if err := p.links[role].Close(); err != nil {
		slog.WarnContext(ctx, "Failed to close broker link", "role", role, "error", err)
	}
}
