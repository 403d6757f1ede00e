package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

var errSubscriptionClosed = errors.New("subscription closed")

// memBroker is an in-memory pub/sub hub shared by every fake backend.
type memBroker struct {
	mu   sync.Mutex
	subs map[string][]*memSubscription
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]*memSubscription)}
}

func (b *memBroker) publish(channel, payload string) {
	b.mu.Lock()
	subs := append([]*memSubscription(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.deliver(Message{Channel: channel, Payload: payload})
	}
}

func (b *memBroker) subscribe(channels ...string) *memSubscription {
	s := &memSubscription{
		broker:   b,
		channels: channels,
		msgs:     make(chan Message, 64),
		fail:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
	b.mu.Lock()
	for _, ch := range channels {
		b.subs[ch] = append(b.subs[ch], s)
	}
	b.mu.Unlock()
	return s
}

func (b *memBroker) remove(s *memSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range s.channels {
		kept := b.subs[ch][:0]
		for _, other := range b.subs[ch] {
			if other != s {
				kept = append(kept, other)
			}
		}
		b.subs[ch] = kept
	}
}

func (b *memBroker) subscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// failAll makes every open subscription return err from ReceiveMessage.
func (b *memBroker) failAll(err error) {
	b.mu.Lock()
	var all []*memSubscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.Unlock()
	for _, s := range all {
		select {
		case s.fail <- err:
		default:
		}
	}
}

type memSubscription struct {
	broker   *memBroker
	channels []string
	msgs     chan Message
	fail     chan error
	closed   chan struct{}
	once     sync.Once
}

func (s *memSubscription) deliver(msg Message) {
	select {
	case s.msgs <- msg:
	case <-s.closed:
	}
}

func (s *memSubscription) ReceiveMessage(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.closed:
		return Message{}, errSubscriptionClosed
	case err := <-s.fail:
		return Message{}, err
	case msg := <-s.msgs:
		return msg, nil
	}
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.closed)
	})
	return nil
}

// memBackend is a fake Backend. A non-nil pingGate blocks Ping until closed.
type memBackend struct {
	broker *memBroker
	role   Role

	pingGate   chan struct{}
	pingErr    error
	publishErr error
	closeErr   error

	pings  atomic.Int32
	closes atomic.Int32
}

func (m *memBackend) Ping(ctx context.Context) error {
	m.pings.Add(1)
	if m.pingGate != nil {
		select {
		case <-m.pingGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.pingErr
}

func (m *memBackend) Publish(_ context.Context, channel, payload string) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.broker.publish(channel, payload)
	return nil
}

func (m *memBackend) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	return m.broker.subscribe(channels...), nil
}

func (m *memBackend) Close() error {
	m.closes.Add(1)
	return m.closeErr
}

// fakeFactory dials memBackends and remembers every one it created.
type fakeFactory struct {
	broker    *memBroker
	configure func(*memBackend)

	mu       sync.Mutex
	backends map[Role][]*memBackend
}

func newFakeFactory(broker *memBroker, configure func(*memBackend)) *fakeFactory {
	return &fakeFactory{broker: broker, configure: configure, backends: make(map[Role][]*memBackend)}
}

func (f *fakeFactory) dial(role Role) Backend {
	b := &memBackend{broker: f.broker, role: role}
	if f.configure != nil {
		f.configure(b)
	}
	f.mu.Lock()
	f.backends[role] = append(f.backends[role], b)
	f.mu.Unlock()
	return b
}

func (f *fakeFactory) dialed(role Role) []*memBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*memBackend(nil), f.backends[role]...)
}

func newTestMetrics() *metrics.BrokerMetrics {
	return metrics.NewBrokerMetrics(prometheus.NewRegistry())
}
