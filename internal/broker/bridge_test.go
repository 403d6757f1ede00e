package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.FanoutEvent
	err    error
	panics bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event domain.FanoutEvent) error {
	if d.panics {
		panic("dispatcher exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return d.err
}

func (d *recordingDispatcher) received() []domain.FanoutEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.FanoutEvent(nil), d.events...)
}

func newTestBridge(t *testing.T, clock clockwork.Clock, dispatcher Dispatcher) (*Bridge, *Pool, *memBroker) {
	t.Helper()
	broker := newMemBroker()
	pool := NewPool(newFakeFactory(broker, nil).dial, clock, newTestMetrics())
	bridge := NewBridge(pool, dispatcher, clock, pool.metrics)
	t.Cleanup(func() {
		_ = bridge.Close()
		pool.Disconnect(context.Background())
	})
	return bridge, pool, broker
}

func encode(t *testing.T, e domain.FanoutEvent) string {
	t.Helper()
	payload, err := domain.EncodeEvent(e)
	require.NoError(t, err)
	return payload
}

func TestBridge_DispatchesPublishedEvents(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	bridge, pool, _ := newTestBridge(t, clockwork.NewRealClock(), dispatcher)
	ctx := context.Background()

	require.NoError(t, bridge.Initialize(ctx))
	assert.True(t, pool.Ready(RoleWorker))

	for _, id := range []string{"n1", "n2", "n3"} {
		event := domain.FanoutEvent{
			Type:  domain.EventTypeNotification,
			Event: domain.EventNewNotification,
			Room:  domain.UserRoom("u1"),
			Data:  json.RawMessage(`{"id":"` + id + `"}`),
		}
		require.NoError(t, pool.Publish(ctx, domain.FanoutChannel, encode(t, event)))
	}

	require.Eventually(t, func() bool { return len(dispatcher.received()) == 3 }, time.Second, time.Millisecond)
	got := dispatcher.received()
	assert.JSONEq(t, `{"id":"n1"}`, string(got[0].Data))
	assert.JSONEq(t, `{"id":"n2"}`, string(got[1].Data))
	assert.JSONEq(t, `{"id":"n3"}`, string(got[2].Data))
	assert.Equal(t, BridgeStats{EventsDispatched: 3}, bridge.Stats())
}

func TestBridge_InitializeIsIdempotent(t *testing.T) {
	bridge, _, broker := newTestBridge(t, clockwork.NewRealClock(), &recordingDispatcher{})

	require.NoError(t, bridge.Initialize(context.Background()))
	require.NoError(t, bridge.Initialize(context.Background()))

	assert.Equal(t, 1, broker.subscriberCount(domain.FanoutChannel))
}

func TestBridge_HandleMessage(t *testing.T) {
	valid := domain.FanoutEvent{
		Type:  domain.EventTypeNotification,
		Event: domain.EventNewNotification,
		Room:  domain.UserRoom("u1"),
		Data:  json.RawMessage(`{}`),
	}

	tests := []struct {
		name           string
		dispatcher     *recordingDispatcher
		msg            func(t *testing.T) Message
		wantDispatched int
		wantStats      BridgeStats
	}{
		{
			name:           "valid event",
			dispatcher:     &recordingDispatcher{},
			msg:            func(t *testing.T) Message { return Message{Channel: domain.FanoutChannel, Payload: encode(t, valid)} },
			wantDispatched: 1,
			wantStats:      BridgeStats{EventsDispatched: 1},
		},
		{
			name:       "malformed json",
			dispatcher: &recordingDispatcher{},
			msg:        func(*testing.T) Message { return Message{Channel: domain.FanoutChannel, Payload: "{not json"} },
			wantStats:  BridgeStats{EventsDispatched: 1, DeliveryErrors: 1},
		},
		{
			name:       "invalid room",
			dispatcher: &recordingDispatcher{},
			msg: func(*testing.T) Message {
				return Message{Channel: domain.FanoutChannel, Payload: `{"type":"notification","event":"x","room":"","data":null}`}
			},
			wantStats: BridgeStats{EventsDispatched: 1, DeliveryErrors: 1},
		},
		{
			name:           "dispatcher error",
			dispatcher:     &recordingDispatcher{err: errors.New("emit failed")},
			msg:            func(t *testing.T) Message { return Message{Channel: domain.FanoutChannel, Payload: encode(t, valid)} },
			wantDispatched: 1,
			wantStats:      BridgeStats{EventsDispatched: 1, DeliveryErrors: 1},
		},
		{
			name:       "dispatcher panic",
			dispatcher: &recordingDispatcher{panics: true},
			msg:        func(t *testing.T) Message { return Message{Channel: domain.FanoutChannel, Payload: encode(t, valid)} },
			wantStats:  BridgeStats{EventsDispatched: 1, DeliveryErrors: 1},
		},
		{
			name:       "other channel",
			dispatcher: &recordingDispatcher{},
			msg:        func(t *testing.T) Message { return Message{Channel: "other", Payload: encode(t, valid)} },
			wantStats:  BridgeStats{EventsDispatched: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge, _, _ := newTestBridge(t, clockwork.NewRealClock(), tt.dispatcher)

			assert.NotPanics(t, func() { bridge.handleMessage(context.Background(), tt.msg(t)) })

			assert.Len(t, tt.dispatcher.received(), tt.wantDispatched)
			assert.Equal(t, tt.wantStats, bridge.Stats())
		})
	}
}

func TestBridge_MalformedMessageDoesNotStopLoop(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	bridge, pool, _ := newTestBridge(t, clockwork.NewRealClock(), dispatcher)
	ctx := context.Background()
	require.NoError(t, bridge.Initialize(ctx))

	require.NoError(t, pool.Publish(ctx, domain.FanoutChannel, "garbage"))
	require.NoError(t, pool.Publish(ctx, domain.FanoutChannel, encode(t, domain.FanoutEvent{
		Type:  domain.EventTypeNotification,
		Event: domain.EventNewNotification,
		Room:  domain.UserRoom("u1"),
		Data:  json.RawMessage(`{"id":"n1"}`),
	})))

	require.Eventually(t, func() bool { return len(dispatcher.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, BridgeStats{EventsDispatched: 2, DeliveryErrors: 1}, bridge.Stats())
}

func TestBridge_ResubscribesAfterReceiveError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	dispatcher := &recordingDispatcher{}
	bridge, pool, broker := newTestBridge(t, clock, dispatcher)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bridge.Initialize(ctx))

	broker.failAll(errors.New("CLUSTERDOWN The cluster is down"))

	require.Eventually(t, func() bool { return pool.Stats().Errors == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), pool.RetryCount())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(receiveBackoff)

	require.Eventually(t, func() bool {
		return broker.subscriberCount(domain.FanoutChannel) == 1
	}, time.Second, time.Millisecond)
	require.NoError(t, pool.Publish(ctx, domain.FanoutChannel, encode(t, domain.FanoutEvent{
		Type:  domain.EventTypeNotification,
		Event: domain.EventNewNotification,
		Room:  domain.UserRoom("u1"),
		Data:  json.RawMessage(`{}`),
	})))
	require.Eventually(t, func() bool { return len(dispatcher.received()) == 1 }, time.Second, time.Millisecond)
}

func TestBridge_WaitsWhileDegraded(t *testing.T) {
	clock := clockwork.NewFakeClock()
	broker := newMemBroker()
	factory := newFakeFactory(broker, nil)
	pool := NewPool(factory.dial, clock, newTestMetrics())
	bridge := NewBridge(pool, &recordingDispatcher{}, clock, pool.metrics)
	t.Cleanup(func() {
		_ = bridge.Close()
		pool.Disconnect(context.Background())
	})

	var degraded atomic.Bool
	degraded.Store(true)
	bridge.SetDegradedCheck(degraded.Load)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, bridge.Initialize(ctx))

	broker.failAll(errors.New("read tcp: connection reset by peer"))
	require.Eventually(t, func() bool { return pool.Link(RoleWorker).State() == StateError }, time.Second, time.Millisecond)

	for range make([]struct{}, 3) {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(receiveBackoff)
	}
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	worker := factory.dialed(RoleWorker)
	require.Len(t, worker, 1)
	assert.Equal(t, int32(1), worker[0].pings.Load())
	assert.Equal(t, StateError, pool.Link(RoleWorker).State())
	assert.Zero(t, broker.subscriberCount(domain.FanoutChannel))

	degraded.Store(false)
	clock.Advance(receiveBackoff)

	require.Eventually(t, func() bool {
		return broker.subscriberCount(domain.FanoutChannel) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), worker[0].pings.Load())
	assert.True(t, pool.Ready(RoleWorker))
}

func TestBridge_CloseStopsLoop(t *testing.T) {
	bridge, _, broker := newTestBridge(t, clockwork.NewRealClock(), &recordingDispatcher{})
	require.NoError(t, bridge.Initialize(context.Background()))

	require.NoError(t, bridge.Close())
	require.NoError(t, bridge.Close())

	assert.Equal(t, 0, broker.subscriberCount(domain.FanoutChannel))
}
