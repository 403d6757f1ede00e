package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
)

const (
	// DegradedThreshold is the number of consecutive cluster-down errors
	// tolerated before the gateway enters degraded mode.
	DegradedThreshold = 5

	// MaxConnectionListeners caps event handlers per client event on every
	// accepted connection.
	MaxConnectionListeners = 20

	presenceOpTimeout = 5 * time.Second
	bearerProtocol    = "bearer"
)

// State is the gateway lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport accepts client connections. *websocket.Server implements it.
type Transport interface {
	Use(mw domain.Middleware) func()
	OnConnection(h domain.ConnectionHandler) func()
	Close(ctx context.Context) error
}

// Module adds per-connection behaviour. Connected runs after the gateway has
// registered presence and joined the user room; Disconnected runs after
// presence has been removed.
type Module interface {
	Connected(ctx context.Context, conn domain.Connection)
	Disconnected(ctx context.Context, conn domain.Connection, reason string)
}

// GatewayDeps are the collaborators wired by the gateway.
type GatewayDeps struct {
	Pool           *broker.Pool
	Health         *broker.HealthMonitor
	Bridge         *broker.Bridge
	Rooms          *broker.RoomAdapter
	Transport      Transport
	Auth           domain.Authenticator
	Presence       domain.PresenceStore
	Modules        []Module
	HealthInterval time.Duration
}

// Metrics is a point-in-time snapshot of the gateway counters.
type Metrics struct {
	Status           string `json:"status"`
	Degraded         bool   `json:"degraded"`
	Connections      int64  `json:"connections"`
	BrokerErrors     int64  `json:"brokerErrors"`
	Reconnects       int64  `json:"reconnects"`
	RetryCount       int64  `json:"retryCount"`
	EventsDispatched int64  `json:"eventsDispatched"`
	DeliveryErrors   int64  `json:"deliveryErrors"`
}

// Gateway is the only component aware of all others. It authenticates
// connections, wires the broker pool, bridge and health monitor together and
// owns the degraded-mode escalation policy.
type Gateway struct {
	deps GatewayDeps

	// lifecycle serializes Initialize and Disconnect.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	state      State
	disposers  []func()
	runCtx     context.Context
	cancelRun  context.CancelFunc
	recoveries sync.WaitGroup

	reconnects  singleflight.Group
	connections atomic.Int64
}

func NewGateway(deps GatewayDeps) *Gateway {
	if deps.HealthInterval <= 0 {
		deps.HealthInterval = broker.DefaultHealthInterval
	}
	return &Gateway{deps: deps}
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Initialize connects the broker links and starts accepting clients. A second
// call on a ready gateway only logs a warning. On failure everything started
// so far is torn down before the error is returned.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	g.mu.Lock()
	if g.state == StateReady {
		g.mu.Unlock()
		slog.WarnContext(ctx, "Gateway already initialized")
		return nil
	}
	g.state = StateInitializing
	g.runCtx, g.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	g.mu.Unlock()

	if err := g.initialize(ctx); err != nil {
		slog.ErrorContext(ctx, "Gateway initialization failed", "error", err)
		g.teardown(ctx)
		return fmt.Errorf("gateway initialization failed: %w", err)
	}

	g.mu.Lock()
	g.state = StateReady
	g.mu.Unlock()
	slog.InfoContext(ctx, "Gateway initialized")
	return nil
}

func (g *Gateway) initialize(ctx context.Context) error {
	d := g.deps

	if err := d.Pool.EnsureConnection(ctx, broker.RoleBase); err != nil {
		return fmt.Errorf("base connection: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, role := range []broker.Role{broker.RolePublisher, broker.RoleSubscriber} {
		role := role
		eg.Go(func() error {
			return d.Pool.EnsureConnection(egCtx, role)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("publisher/subscriber connection: %w", err)
	}

	d.Rooms.SetDegradedCheck(d.Health.IsDegraded)
	d.Bridge.SetDegradedCheck(d.Health.IsDegraded)

	if err := d.Rooms.Start(ctx); err != nil {
		return fmt.Errorf("room adapter: %w", err)
	}
	g.addDisposer(func() { _ = d.Rooms.Close() })

	g.addDisposer(d.Transport.Use(g.authenticate))
	g.addDisposer(d.Transport.OnConnection(g.handleConnection))

	if err := d.Bridge.Initialize(ctx); err != nil {
		return fmt.Errorf("event bridge: %w", err)
	}
	g.addDisposer(func() { _ = d.Bridge.Close() })

	d.Health.StartPeriodicCheck(g.onHealth, d.HealthInterval)
	g.addDisposer(d.Health.StopPeriodicCheck)

	g.addDisposer(d.Pool.OnError(g.onPoolError))
	return nil
}

func (g *Gateway) addDisposer(fn func()) {
	g.mu.Lock()
	g.disposers = append(g.disposers, fn)
	g.mu.Unlock()
}

// authenticate resolves the handshake's bearer token to a user id.
func (g *Gateway) authenticate(ctx context.Context, hs *domain.Handshake) error {
	token := bearerToken(hs.Request)
	if token == "" {
		slog.InfoContext(ctx, "Rejecting connection without token")
		return domain.ErrUnauthenticated
	}

	userID, err := g.deps.Auth.VerifyToken(ctx, token)
	if err != nil {
		slog.WarnContext(ctx, "Token verification failed", "error", err)
		return fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}
	if userID == "" {
		return domain.ErrInvalidToken
	}
	hs.SetUserID(userID)
	return nil
}

// bearerToken reads the token from the Authorization header, the
// "bearer, <token>" websocket subprotocol or the token query parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}

	var protocols []string
	for _, value := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(value, ",") {
			protocols = append(protocols, strings.TrimSpace(p))
		}
	}
	if len(protocols) == 2 && protocols[0] == bearerProtocol {
		return protocols[1]
	}

	return r.URL.Query().Get("token")
}

func (g *Gateway) handleConnection(ctx context.Context, conn domain.Connection) {
	userID := conn.UserID()
	if userID == "" {
		slog.WarnContext(ctx, "Connection without user id, disconnecting")
		conn.Disconnect("unauthenticated")
		return
	}

	g.connections.Add(1)
	g.presenceOp(ctx, "add", userID, conn.ID(), g.deps.Presence.Add)
	conn.Join(domain.UserRoom(userID))
	conn.SetMaxListeners(MaxConnectionListeners)

	for _, m := range g.deps.Modules {
		m.Connected(ctx, conn)
	}

	conn.OnDisconnect(func(reason string) {
		g.connections.Add(-1)
		g.presenceOp(ctx, "remove", userID, conn.ID(), g.deps.Presence.Remove)
		for i := len(g.deps.Modules) - 1; i >= 0; i-- {
			g.deps.Modules[i].Disconnected(ctx, conn, reason)
		}
		slog.DebugContext(ctx, "Connection closed", "user_id", userID, "reason", reason)
	})
}

func (g *Gateway) presenceOp(ctx context.Context, op, userID, connID string, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceOpTimeout)
	defer cancel()
	if err := fn(ctx, userID, connID); err != nil {
		slog.ErrorContext(ctx, "Presence update failed", "op", op, "user_id", userID, "error", err)
	}
}

// onPoolError applies the escalation policy to classified broker errors.
func (g *Gateway) onPoolError(class broker.ErrorClass, _ error) {
	if class != broker.ClassClusterDown {
		return
	}
	if retries := g.deps.Pool.RetryCount(); retries > DegradedThreshold {
		slog.Error("Broker cluster down past threshold", "retries", retries)
		g.deps.Health.EnterDegradedMode()
		return
	}
	if g.deps.Health.IsDegraded() {
		return
	}
	g.reconnect()
}

// onHealth leaves degraded mode once the cluster reports healthy again.
func (g *Gateway) onHealth(health broker.ClusterHealth) {
	if health.Status != broker.StatusHealthy || !g.deps.Health.IsDegraded() {
		return
	}
	g.deps.Health.ExitDegradedMode()
	g.reconnect()
}

// reconnect starts one background reconnect attempt. Concurrent requests
// share the attempt in flight.
func (g *Gateway) reconnect() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ctx := g.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	g.recoveries.Add(1)
	go func() {
		defer g.recoveries.Done()
		_, _, _ = g.reconnects.Do("reconnect", func() (any, error) {
			return g.deps.Pool.AttemptReconnect(ctx), nil
		})
	}()
}

// GetMetrics returns a snapshot of the pool, bridge and connection counters.
func (g *Gateway) GetMetrics() Metrics {
	pool := g.deps.Pool.Stats()
	bridge := g.deps.Bridge.Stats()

	status := "disconnected"
	if g.deps.Pool.AllReady() {
		status = "connected"
	}
	return Metrics{
		Status:           status,
		Degraded:         g.deps.Health.IsDegraded(),
		Connections:      g.connections.Load(),
		BrokerErrors:     pool.Errors,
		Reconnects:       pool.Reconnects,
		RetryCount:       pool.RetryCount,
		EventsDispatched: bridge.EventsDispatched,
		DeliveryErrors:   bridge.DeliveryErrors,
	}
}

// GetClusterHealth runs one probe of the broker cluster.
func (g *Gateway) GetClusterHealth(ctx context.Context) broker.ClusterHealth {
	return g.deps.Health.CheckHealth(ctx)
}

// IsConnected reports whether the gateway is ready and all broker links are
// up.
func (g *Gateway) IsConnected() bool {
	return g.State() == StateReady && g.deps.Pool.AllReady()
}

// Disconnect stops accepting clients, closes every connection and the broker
// links. It is a no-op on a gateway that was never initialized.
func (g *Gateway) Disconnect(ctx context.Context) {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()

	if state := g.State(); state != StateReady && state != StateInitializing {
		return
	}
	g.teardown(ctx)
	slog.InfoContext(ctx, "Gateway disconnected")
}

// teardown releases everything Initialize started. Connections are closed
// before the pool so their disconnect handlers can still publish.
func (g *Gateway) teardown(ctx context.Context) {
	g.mu.Lock()
	disposers := g.disposers
	g.disposers = nil
	if g.cancelRun != nil {
		g.cancelRun()
	}
	g.mu.Unlock()
	g.recoveries.Wait()

	for i := len(disposers) - 1; i >= 0; i-- {
		disposers[i]()
	}

	if err := g.deps.Transport.Close(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to close connections", "error", err)
	}
	g.deps.Pool.Disconnect(ctx)
	g.deps.Health.StopPeriodicCheck()

	g.mu.Lock()
	g.state = StateDisconnected
	g.mu.Unlock()
}
