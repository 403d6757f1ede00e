package errors

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Middleware returns an Echo middleware that converts handler errors into
// JSON responses. errorsTotal may be nil.
func Middleware(errorsTotal *prometheus.CounterVec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			// Echo's own errors (404 routes, key-auth) keep their status code.
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				if errorsTotal != nil {
					errorsTotal.WithLabelValues("http").Inc()
				}
				return err
			}

			structuredErr := AsStructuredError(err)
			if errorsTotal != nil {
				errorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
			}

			attrs := []any{
				"error_type", structuredErr.Type,
				"message", structuredErr.Message,
				"path", c.Request().URL.Path,
				"method", c.Request().Method,
				"status", structuredErr.HTTPStatus(),
			}
			if structuredErr.Cause != nil {
				attrs = append(attrs, "cause", structuredErr.Cause)
			}
			if structuredErr.Type == TypeInternal {
				slog.ErrorContext(c.Request().Context(), "Request failed", attrs...)
			} else {
				slog.WarnContext(c.Request().Context(), "Request rejected", attrs...)
			}

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}
