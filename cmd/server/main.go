package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/httpserver"
	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/redis"
	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/websocket"
	"github.com/YoussefKamal098/note-verse-sub001/internal/app"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/config"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/logging"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/retry"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/version"
)

const shutdownTimeout = 10 * time.Second

var initPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     15 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Gateway initialization failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

type components struct {
	gateway *app.Gateway
	ws      *websocket.Server
	srv     *httpserver.Server
	clients []*goredis.Client
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, base *goredis.Options, role broker.Role, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := redis.Connect(ctx, base, role, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "role", role, "error", err)
		os.Exit(1)
	}
	return client
}

func build(ctx context.Context, cfg *config.Config) *components {
	clock := clockwork.NewRealClock()
	nodeID := uuid.NewString()

	reg := metrics.NewRegistry()
	brokerMetrics := metrics.NewBrokerMetrics(reg)
	gatewayMetrics := metrics.NewGatewayMetrics(reg)
	redisMetrics := metrics.NewRedisMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	redisOpt, err := redis.ParseOptions(cfg.RedisURL)
	if err != nil {
		slog.Error("Invalid Redis URL", "error", err)
		os.Exit(1)
	}

	// Presence, auth and health probing use dedicated clients so they keep
	// working while the pool is reconnecting.
	stateClient := setupRedis(ctx, redisOpt, redis.RoleState, redisMetrics)
	probeClient := redis.NewClient(redisOpt, redis.RoleHealth, redisMetrics)

	pool := broker.NewPool(redis.NewBackendFactory(redisOpt, redisMetrics, redis.NewCircuitBreakerHook(redisMetrics)), clock, brokerMetrics)
	health := broker.NewHealthMonitor(redis.NewBackend(probeClient), clock, brokerMetrics)

	wsServer := websocket.NewServer(clock, gatewayMetrics, websocket.Options{
		MaxConnections: cfg.MaxWebSocketConnections,
		EventRate:      cfg.ClientEventRate,
		CheckOrigin:    websocket.NewCheckOrigin(cfg.AllowedOrigins, cfg.AppEnv == "development"),
	})

	rooms := broker.NewRoomAdapter(pool, cfg.Namespace, nodeID, wsServer, clock, brokerMetrics)
	bridge := broker.NewBridge(pool, app.NewDispatcher(wsServer), clock, brokerMetrics)

	presence := redis.NewPresenceStore(stateClient, cfg.Namespace, nodeID, cfg.PresenceTTL, cfg.PresenceCacheTTL)
	tokens := redis.NewTokenVerifier(stateClient, cfg.Namespace)

	gateway := app.NewGateway(app.GatewayDeps{
		Pool:           pool,
		Health:         health,
		Bridge:         bridge,
		Rooms:          rooms,
		Transport:      wsServer,
		Auth:           tokens,
		Presence:       presence,
		Modules:        []app.Module{app.NewPresenceWatch(presence, rooms)},
		HealthInterval: cfg.HealthCheckInterval,
	})
	notifier := app.NewNotifier(presence, pool, gatewayMetrics)

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Gateway:          gateway,
		Notifier:         notifier,
		WebsocketHandler: wsServer,
		MetricsHandler:   metrics.Handler(reg),
		HTTPMetrics:      httpMetrics,
		GatewayMetrics:   gatewayMetrics,
		HealthChecks: []httpserver.HealthCheck{
			{Name: "broker", Check: func(context.Context) error {
				if !gateway.IsConnected() {
					return errors.New("broker links not ready")
				}
				return nil
			}},
			{Name: "cluster", Check: func(ctx context.Context) error {
				h := gateway.GetClusterHealth(ctx)
				if h.Status == broker.StatusUnhealthy {
					return fmt.Errorf("cluster unhealthy: %s", h.Error)
				}
				return nil
			}},
		},
	})

	return &components{
		gateway: gateway,
		ws:      wsServer,
		srv:     srv,
		clients: []*goredis.Client{stateClient, probeClient},
	}
}

func runGracefulShutdown(ctx context.Context, c *components) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		c.gateway.Disconnect(shutdownCtx)
		c.ws.Shutdown()

		for _, client := range c.clients {
			_ = client.Close()
		}

		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	info := version.Get()
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", info.Version, "commit", info.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := build(ctx, cfg)

	if err := retry.DoVoid(ctx, initPolicy, retry.Always, c.gateway.Initialize); err != nil {
		slog.Error("Failed to initialize gateway", "error", err)
		os.Exit(1)
	}

	done := runGracefulShutdown(ctx, c)

	if err := c.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
