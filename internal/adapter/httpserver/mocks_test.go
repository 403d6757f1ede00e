package httpserver

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/app"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/config"
)

// --- Mock implementations ---

type mockGateway struct {
	metrics   app.Metrics
	health    broker.ClusterHealth
	connected bool
}

func (m *mockGateway) GetMetrics() app.Metrics { return m.metrics }

func (m *mockGateway) GetClusterHealth(context.Context) broker.ClusterHealth { return m.health }

func (m *mockGateway) IsConnected() bool { return m.connected }

type mockNotifier struct {
	mu        sync.Mutex
	emitted   []domain.Notification
	batches   [][]domain.Notification
	emitErr   error
	batchErr  error
	eachFn    func([]domain.Notification) []app.EmitResult
	eachCalls int
}

func (m *mockNotifier) EmitToUser(_ context.Context, _ string, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emitErr != nil {
		return m.emitErr
	}
	m.emitted = append(m.emitted, n)
	return nil
}

func (m *mockNotifier) EmitBatch(_ context.Context, ns []domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, ns)
	return m.batchErr
}

func (m *mockNotifier) EmitEach(_ context.Context, ns []domain.Notification) []app.EmitResult {
	m.mu.Lock()
	m.eachCalls++
	m.mu.Unlock()
	if m.eachFn != nil {
		return m.eachFn(ns)
	}
	results := make([]app.EmitResult, 0, len(ns))
	for _, n := range ns {
		results = append(results, app.EmitResult{NotificationID: n.ID, UserID: n.UserID, Published: true})
	}
	return results
}

type serverOptions struct {
	config    *config.Config
	deps      Deps
	gateway   *mockGateway
	notifier  *mockNotifier
	wsHandler http.Handler
}

func newTestServer(t *testing.T, opts ...func(*serverOptions)) *Server {
	t.Helper()
	srv, _, _ := newTestServerWithMocks(t, opts...)
	return srv
}

func newTestServerWithMocks(t *testing.T, opts ...func(*serverOptions)) (*Server, *mockGateway, *mockNotifier) {
	t.Helper()

	o := &serverOptions{
		config: &config.Config{
			Port:           "0",
			InternalAPIKey: "internal-key",
			HandshakeRate:  100,
			HandshakeBurst: 100,
		},
		gateway:  &mockGateway{connected: true},
		notifier: &mockNotifier{},
	}
	for _, opt := range opts {
		opt(o)
	}

	reg := prometheus.NewRegistry()
	deps := o.deps
	deps.Gateway = o.gateway
	deps.Notifier = o.notifier
	deps.WebsocketHandler = o.wsHandler
	deps.MetricsHandler = metrics.Handler(reg)
	deps.HTTPMetrics = metrics.NewHTTPMetrics(reg)
	deps.GatewayMetrics = metrics.NewGatewayMetrics(reg)

	return NewServer(o.config, deps), o.gateway, o.notifier
}

func withHealthChecks(checks ...HealthCheck) func(*serverOptions) {
	return func(o *serverOptions) {
		o.deps.HealthChecks = checks
	}
}

func withConfig(mutate func(*config.Config)) func(*serverOptions) {
	return func(o *serverOptions) {
		mutate(o.config)
	}
}

func withWebsocketHandler(h http.Handler) func(*serverOptions) {
	return func(o *serverOptions) {
		o.wsHandler = h
	}
}
