package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/vmihailenco/msgpack/v5"
)

// roomEnvelope is the inter-node room message.
type roomEnvelope struct {
	Node  string `msgpack:"n"`
	Room  string `msgpack:"r"`
	Event string `msgpack:"e"`
	Data  []byte `msgpack:"d"`
}

// RoomAdapter extends local room emits to every node sharing the namespace.
// Messages a node published itself are ignored when they come back.
type RoomAdapter struct {
	pool    *Pool
	local   domain.RoomEmitter
	channel string
	nodeID  string
	clock   clockwork.Clock
	metrics *metrics.BrokerMetrics

	mu       sync.Mutex
	sub      Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	degraded func() bool
}

var _ domain.RoomBroadcaster = (*RoomAdapter)(nil)

// NewRoomAdapter creates an adapter publishing on "<namespace>:rooms".
func NewRoomAdapter(pool *Pool, namespace, nodeID string, local domain.RoomEmitter, clock clockwork.Clock, m *metrics.BrokerMetrics) *RoomAdapter {
	return &RoomAdapter{
		pool:    pool,
		local:   local,
		channel: RoomChannel(namespace),
		nodeID:  nodeID,
		clock:   clock,
		metrics: m,
	}
}

// RoomChannel is the channel used by room adapters in namespace.
func RoomChannel(namespace string) string {
	return namespace + ":rooms"
}

// SetDegradedCheck installs fn. While fn reports true the adapter does not
// resubscribe after losing its subscription.
func (a *RoomAdapter) SetDegradedCheck(fn func() bool) {
	a.mu.Lock()
	a.degraded = fn
	a.mu.Unlock()
}

func (a *RoomAdapter) suspended() bool {
	a.mu.Lock()
	fn := a.degraded
	a.mu.Unlock()
	return fn != nil && fn()
}

// Start subscribes on the subscriber link and begins relaying remote room
// messages to local connections.
func (a *RoomAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return nil
	}

	sub, err := a.pool.Subscribe(ctx, RoleSubscriber, a.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", a.channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.sub, a.cancel, a.done = sub, cancel, make(chan struct{})
	go a.run(loopCtx, sub, a.done)

	slog.Info("Room adapter started", "channel", a.channel, "node", a.nodeID)
	return nil
}

func (a *RoomAdapter) run(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.pool.ReportError(RoleSubscriber, err)
			_ = sub.Close()

			sub = a.resubscribe(ctx)
			if sub == nil {
				return
			}
			continue
		}
		a.handleMessage(msg)
	}
}

func (a *RoomAdapter) resubscribe(ctx context.Context) Subscription {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.clock.After(receiveBackoff):
		}
		if a.suspended() {
			continue
		}

		sub, err := a.pool.Subscribe(ctx, RoleSubscriber, a.channel)
		if err != nil {
			slog.Warn("Room adapter resubscribe failed", "error", err)
			continue
		}

		a.mu.Lock()
		if ctx.Err() != nil {
			a.mu.Unlock()
			_ = sub.Close()
			return nil
		}
		a.sub = sub
		a.mu.Unlock()
		return sub
	}
}

func (a *RoomAdapter) handleMessage(msg Message) {
	var env roomEnvelope
	if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Room == "" {
		slog.Warn("Dropping malformed room message", "channel", msg.Channel, "error", err)
		return
	}
	if env.Node == a.nodeID {
		return
	}
	a.metrics.RoomMessages.WithLabelValues("in").Inc()
	a.local.EmitToRoom(env.Room, env.Event, json.RawMessage(env.Data))
}

// Broadcast emits to local connections in room, then publishes the event for
// every other node.
func (a *RoomAdapter) Broadcast(ctx context.Context, room, event string, data json.RawMessage) error {
	a.local.EmitToRoom(room, event, data)

	payload, err := msgpack.Marshal(roomEnvelope{Node: a.nodeID, Room: room, Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode room message: %w", err)
	}
	if err := a.pool.Publish(ctx, a.channel, string(payload)); err != nil {
		return err
	}
	a.metrics.RoomMessages.WithLabelValues("out").Inc()
	return nil
}

// Close stops relaying remote messages.
func (a *RoomAdapter) Close() error {
	a.mu.Lock()
	cancel, done, sub := a.cancel, a.done, a.sub
	a.cancel, a.done, a.sub = nil, nil, nil
	a.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	if sub != nil {
		_ = sub.Close()
	}
	<-done
	return nil
}
