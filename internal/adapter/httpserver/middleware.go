package httpserver

import (
	"github.com/labstack/echo/v4"

	"github.com/YoussefKamal098/note-verse-sub001/internal/platform/correlation"
)

// correlationMiddleware tags each request context with a correlation id,
// reusing the caller's X-Request-ID when present.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = correlation.NewID()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
