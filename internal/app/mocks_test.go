package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

// --- Mock implementations ---

type mockPresence struct {
	mu      sync.Mutex
	online  map[string]map[string]bool
	err     error
	added   []string
	removed []string
}

func newMockPresence(onlineUsers ...string) *mockPresence {
	p := &mockPresence{online: make(map[string]map[string]bool)}
	for _, u := range onlineUsers {
		p.online[u] = map[string]bool{"elsewhere": true}
	}
	return p
}

func (m *mockPresence) IsOnline(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	return len(m.online[userID]) > 0, nil
}

func (m *mockPresence) Add(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online[userID] == nil {
		m.online[userID] = make(map[string]bool)
	}
	m.online[userID][connID] = true
	m.added = append(m.added, userID+"/"+connID)
	return nil
}

func (m *mockPresence) Remove(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online[userID], connID)
	m.removed = append(m.removed, userID+"/"+connID)
	return nil
}

type mockPublisher struct {
	mu        sync.Mutex
	published []broker.Message
	publishFn func(channel, payload string) error
}

func (m *mockPublisher) Publish(_ context.Context, channel, payload string) error {
	if m.publishFn != nil {
		if err := m.publishFn(channel, payload); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, broker.Message{Channel: channel, Payload: payload})
	return nil
}

func (m *mockPublisher) messages() []broker.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]broker.Message(nil), m.published...)
}

type roomEmit struct {
	room  string
	event string
	data  string
}

type mockEmitter struct {
	mu    sync.Mutex
	emits []roomEmit
}

func (m *mockEmitter) EmitToRoom(room, event string, data json.RawMessage) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emits = append(m.emits, roomEmit{room: room, event: event, data: string(data)})
	return 1
}

func (m *mockEmitter) Broadcast(_ context.Context, room, event string, data json.RawMessage) error {
	m.EmitToRoom(room, event, data)
	return nil
}

func (m *mockEmitter) all() []roomEmit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]roomEmit(nil), m.emits...)
}

type mockAuth struct {
	tokens map[string]string
}

func (m *mockAuth) VerifyToken(_ context.Context, token string) (string, error) {
	userID, ok := m.tokens[token]
	if !ok {
		return "", domain.ErrInvalidToken
	}
	return userID, nil
}

// mockConn is a domain.Connection that records what the gateway does to it.
type mockConn struct {
	id     string
	userID string

	mu             sync.Mutex
	rooms          map[string]bool
	handlers       map[string][]domain.EventHandler
	onDisconnect   []func(string)
	emitted        []roomEmit
	maxListeners   int
	disconnectedBy string
}

func newMockConn(id, userID string) *mockConn {
	return &mockConn{
		id:       id,
		userID:   userID,
		rooms:    make(map[string]bool),
		handlers: make(map[string][]domain.EventHandler),
	}
}

func (c *mockConn) ID() string     { return c.id }
func (c *mockConn) UserID() string { return c.userID }

func (c *mockConn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

func (c *mockConn) Join(room string) {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
}

func (c *mockConn) Leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *mockConn) Emit(event string, data json.RawMessage) error {
	c.mu.Lock()
	c.emitted = append(c.emitted, roomEmit{event: event, data: string(data)})
	c.mu.Unlock()
	return nil
}

func (c *mockConn) On(event string, h domain.EventHandler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	return func() {}, nil
}

func (c *mockConn) OnDisconnect(h func(string)) func() {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, h)
	c.mu.Unlock()
	return func() {}
}

func (c *mockConn) SetMaxListeners(n int) {
	c.mu.Lock()
	c.maxListeners = n
	c.mu.Unlock()
}

func (c *mockConn) Disconnect(reason string) {
	c.mu.Lock()
	c.disconnectedBy = reason
	c.mu.Unlock()
}

// trigger runs the handlers registered for a client event.
func (c *mockConn) trigger(ctx context.Context, event string, data string) {
	c.mu.Lock()
	hs := append([]domain.EventHandler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ctx, json.RawMessage(data))
	}
}

// close runs the disconnect handlers the way the transport does.
func (c *mockConn) close(reason string) {
	c.mu.Lock()
	hs := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()
	for _, h := range hs {
		h(reason)
	}
}

func (c *mockConn) sent() []roomEmit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]roomEmit(nil), c.emitted...)
}

// mockTransport records installed middlewares and handlers.
type mockTransport struct {
	mu          sync.Mutex
	middlewares map[int]domain.Middleware
	handlers    map[int]domain.ConnectionHandler
	nextID      int
	closes      atomic.Int32
	conns       []*mockConn
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		middlewares: make(map[int]domain.Middleware),
		handlers:    make(map[int]domain.ConnectionHandler),
	}
}

func (t *mockTransport) Use(mw domain.Middleware) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.middlewares[id] = mw
	return func() {
		t.mu.Lock()
		delete(t.middlewares, id)
		t.mu.Unlock()
	}
}

func (t *mockTransport) OnConnection(h domain.ConnectionHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = h
	return func() {
		t.mu.Lock()
		delete(t.handlers, id)
		t.mu.Unlock()
	}
}

func (t *mockTransport) Close(context.Context) error {
	t.closes.Add(1)
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()
	for _, c := range conns {
		c.close("server shutting down")
	}
	return nil
}

func (t *mockTransport) installed() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.middlewares), len(t.handlers)
}

// accept runs the connection handlers for conn.
func (t *mockTransport) accept(ctx context.Context, conn *mockConn) {
	t.mu.Lock()
	hs := make([]domain.ConnectionHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		hs = append(hs, h)
	}
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	for _, h := range hs {
		h(ctx, conn)
	}
}

// --- In-memory broker ---

type memBus struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[string][]*memSub)}
}

func (b *memBus) publish(channel, payload string) {
	b.mu.Lock()
	subs := append([]*memSub(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, s := range subs {
		select {
		case s.msgs <- broker.Message{Channel: channel, Payload: payload}:
		case <-s.closed:
		}
	}
}

func (b *memBus) subscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

type memSub struct {
	bus      *memBus
	channels []string
	msgs     chan broker.Message
	closed   chan struct{}
	once     sync.Once
}

func (s *memSub) ReceiveMessage(ctx context.Context) (broker.Message, error) {
	select {
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case <-s.closed:
		return broker.Message{}, errors.New("subscription closed")
	case msg := <-s.msgs:
		return msg, nil
	}
}

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, ch := range s.channels {
			kept := s.bus.subs[ch][:0]
			for _, other := range s.bus.subs[ch] {
				if other != s {
					kept = append(kept, other)
				}
			}
			s.bus.subs[ch] = kept
		}
		s.bus.mu.Unlock()
		close(s.closed)
	})
	return nil
}

// memBackend is a broker.Backend on a memBus. Ping fails with whatever error
// the test broker holds for the backend's role.
type memBackend struct {
	bus    *memBus
	role   broker.Role
	env    *testBroker
	closed atomic.Bool
}

func (m *memBackend) Ping(context.Context) error {
	return m.env.pingError(m.role)
}

func (m *memBackend) Publish(_ context.Context, channel, payload string) error {
	m.bus.publish(channel, payload)
	return nil
}

func (m *memBackend) Subscribe(_ context.Context, channels ...string) (broker.Subscription, error) {
	s := &memSub{bus: m.bus, channels: channels, msgs: make(chan broker.Message, 64), closed: make(chan struct{})}
	m.bus.mu.Lock()
	for _, ch := range channels {
		m.bus.subs[ch] = append(m.bus.subs[ch], s)
	}
	m.bus.mu.Unlock()
	return s, nil
}

func (m *memBackend) Close() error {
	m.closed.Store(true)
	return nil
}

// testBroker is the shared state behind every memBackend of one test.
type testBroker struct {
	bus *memBus

	mu       sync.Mutex
	pingErrs map[broker.Role]error
	dials    map[broker.Role]int

	clusterInfo string
	infoErr     error
}

func newTestBroker() *testBroker {
	return &testBroker{
		bus:         newMemBus(),
		pingErrs:    make(map[broker.Role]error),
		dials:       make(map[broker.Role]int),
		clusterInfo: "cluster_state:ok\r\ncluster_known_nodes:3\r\n",
	}
}

func (b *testBroker) failPing(role broker.Role, err error) {
	b.mu.Lock()
	b.pingErrs[role] = err
	b.mu.Unlock()
}

func (b *testBroker) pingError(role broker.Role) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErrs[role]
}

func (b *testBroker) dialCount(role broker.Role) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[role]
}

func (b *testBroker) factory(role broker.Role) broker.Backend {
	b.mu.Lock()
	b.dials[role]++
	b.mu.Unlock()
	return &memBackend{bus: b.bus, role: role, env: b}
}

func (b *testBroker) Ping(context.Context) error { return nil }

func (b *testBroker) ClusterInfo(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clusterInfo, b.infoErr
}

// testGateway is a gateway wired to in-memory collaborators.
type testGateway struct {
	*Gateway
	broker    *testBroker
	pool      *broker.Pool
	health    *broker.HealthMonitor
	transport *mockTransport
	presence  *mockPresence
	emitter   *mockEmitter
	clock     *clockwork.FakeClock
}

func newTestGateway(modules ...Module) *testGateway {
	tb := newTestBroker()
	clock := clockwork.NewFakeClock()
	m := metrics.NewBrokerMetrics(prometheus.NewRegistry())

	pool := broker.NewPool(tb.factory, clock, m)
	health := broker.NewHealthMonitor(tb, clock, m)
	emitter := &mockEmitter{}
	bridge := broker.NewBridge(pool, NewDispatcher(emitter), clock, m)
	rooms := broker.NewRoomAdapter(pool, "test", "node-1", emitter, clock, m)
	transport := newMockTransport()
	presence := newMockPresence()

	g := NewGateway(GatewayDeps{
		Pool:      pool,
		Health:    health,
		Bridge:    bridge,
		Rooms:     rooms,
		Transport: transport,
		Auth:      &mockAuth{tokens: map[string]string{"good-token": "u1"}},
		Presence:  presence,
		Modules:   modules,
	})
	return &testGateway{
		Gateway:   g,
		broker:    tb,
		pool:      pool,
		health:    health,
		transport: transport,
		presence:  presence,
		emitter:   emitter,
		clock:     clock,
	}
}

func newTestGatewayMetrics() *metrics.GatewayMetrics {
	return metrics.NewGatewayMetrics(prometheus.NewRegistry())
}
