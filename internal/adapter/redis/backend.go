package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
)

// Backend is the go-redis implementation of broker.Backend and
// broker.ClusterProber.
type Backend struct {
	rdb *goredis.Client
}

var (
	_ broker.Backend       = (*Backend)(nil)
	_ broker.ClusterProber = (*Backend)(nil)
)

func NewBackend(rdb *goredis.Client) *Backend {
	return &Backend{rdb: rdb}
}

// NewBackendFactory returns a factory creating one client per role, each a
// clone of base. The publisher client is guarded by breaker when non-nil.
func NewBackendFactory(base *goredis.Options, m *metrics.RedisMetrics, breaker *CircuitBreakerHook) broker.BackendFactory {
	return func(role broker.Role) broker.Backend {
		rdb := NewClient(base, role, m)
		if role == broker.RolePublisher && breaker != nil {
			rdb.AddHook(breaker)
		}
		return NewBackend(rdb)
	}
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *Backend) Publish(ctx context.Context, channel, payload string) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the subscription confirmation before returning.
func (b *Backend) Subscribe(ctx context.Context, channels ...string) (broker.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscription not confirmed: %w", err)
	}
	return &subscription{ps: ps}, nil
}

func (b *Backend) ClusterInfo(ctx context.Context) (string, error) {
	return b.rdb.ClusterInfo(ctx).Result()
}

func (b *Backend) Close() error {
	return b.rdb.Close()
}

type subscription struct {
	ps *goredis.PubSub
}

func (s *subscription) ReceiveMessage(ctx context.Context) (broker.Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return broker.Message{}, err
	}
	return broker.Message{Channel: msg.Channel, Payload: msg.Payload}, nil
}

func (s *subscription) Close() error {
	return s.ps.Close()
}
