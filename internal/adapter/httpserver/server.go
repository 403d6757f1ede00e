package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/YoussefKamal098/note-verse-sub001/internal/adapter/metrics"
	"github.com/YoussefKamal098/note-verse-sub001/internal/app"
	"github.com/YoussefKamal098/note-verse-sub001/internal/broker"
	"github.com/YoussefKamal098/note-verse-sub001/internal/domain"
	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/config"
)

type gatewayService interface {
	GetMetrics() app.Metrics
	GetClusterHealth(ctx context.Context) broker.ClusterHealth
	IsConnected() bool
}

type notificationService interface {
	EmitToUser(ctx context.Context, userID string, n domain.Notification) error
	EmitBatch(ctx context.Context, notifications []domain.Notification) error
	EmitEach(ctx context.Context, notifications []domain.Notification) []app.EmitResult
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	gateway  gatewayService
	notifier notificationService

	websocketHandler http.Handler
	metricsHandler   http.Handler
	httpMetrics      *metrics.HTTPMetrics
	gatewayMetrics   *metrics.GatewayMetrics

	healthChecks []HealthCheck
	startTime    time.Time
}

// Deps are the handlers and services mounted by the server.
type Deps struct {
	Gateway          gatewayService
	Notifier         notificationService
	WebsocketHandler http.Handler
	MetricsHandler   http.Handler
	HTTPMetrics      *metrics.HTTPMetrics
	GatewayMetrics   *metrics.GatewayMetrics
	HealthChecks     []HealthCheck
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:             e,
		config:           cfg,
		gateway:          deps.Gateway,
		notifier:         deps.Notifier,
		websocketHandler: deps.WebsocketHandler,
		metricsHandler:   deps.MetricsHandler,
		httpMetrics:      deps.HTTPMetrics,
		gatewayMetrics:   deps.GatewayMetrics,
		healthChecks:     deps.HealthChecks,
		startTime:        time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
