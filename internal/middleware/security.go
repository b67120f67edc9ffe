package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// every response.
//
// Request headers are left alone: the forwarder strips hop-by-hop headers,
// including those named in Connection, and WebSocket handshakes need
// Connection and Upgrade intact. Framing is limited to the same origin
// unless the upstream set its own X-Frame-Options.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set("X-Content-Type-Options", "nosniff")
				if h.Get("X-Frame-Options") == "" {
					h.Set("X-Frame-Options", "SAMEORIGIN")
				}
			})

			return next(c)
		}
	}
}
