package httpserver

import (
	"crypto/subtle"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	apperrors "github.com/YoussefKamal098/note-verse-sub001/internal/platform/errors"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
		s.echo.Use(apperrors.Middleware(s.httpMetrics.ErrorsTotal))
	} else {
		s.echo.Use(apperrors.Middleware(nil))
	}
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
	}))

	s.registerHealthRoutes()
	s.registerGatewayRoutes()
	s.registerInternalRoutes()

	if s.websocketHandler != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.websocketHandler), s.handshakeLimiter())
	}
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}

// internalAuth guards producer endpoints with the shared internal API key.
// Without a configured key the endpoints are open, which config only allows
// outside production.
func (s *Server) internalAuth() echo.MiddlewareFunc {
	key := s.config.InternalAPIKey
	if key == "" {
		slog.Warn("INTERNAL_API_KEY not set, internal endpoints are unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:Authorization:Bearer ,header:X-Internal-Key",
		Validator: func(got string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1, nil
		},
	})
}
