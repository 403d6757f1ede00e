package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	apperrors "github.com/YoussefKamal098/note-verse-sub001/internal/platform/errors"
)

const rateLimiterExpiry = 5 * time.Minute

// newRateLimiter limits requests per client IP. onDeny, if set, is called for
// every rejected request.
func newRateLimiter(ratePerSecond float64, burst int, onDeny func()) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(ratePerSecond),
			Burst:     burst,
			ExpiresIn: rateLimiterExpiry,
		},
	)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			if onDeny != nil {
				onDeny()
			}
			return c.JSON(http.StatusTooManyRequests, apperrors.ErrorResponse{
				Error: "rate limit exceeded",
				Type:  apperrors.TypeRateLimited,
			})
		},
	})
}

// handshakeLimiter applies the per-IP websocket handshake limit.
func (s *Server) handshakeLimiter() echo.MiddlewareFunc {
	var onDeny func()
	if s.gatewayMetrics != nil {
		rejected := s.gatewayMetrics.RejectedHandshake.WithLabelValues("rate_limited")
		onDeny = rejected.Inc
	}
	return newRateLimiter(s.config.HandshakeRate, s.config.HandshakeBurst, onDeny)
}
