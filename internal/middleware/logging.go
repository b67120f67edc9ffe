// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/wsproxy"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at warn level; everything else at info.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			upgrade := wsproxy.IsUpgrade(c.Request().Header)

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := resolveStatus(c, err)
			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelWarn
			}

			logger.LogAttrs(req.Context(), level, "request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_out", res.Size),
				slog.Bool("websocket", upgrade),
			)

			return err
		}
	}
}

// resolveStatus returns the status the client will see. When a handler returns
// an *echo.HTTPError the response has not been written yet; Echo's central
// error handler does that later.
func resolveStatus(c echo.Context, err error) int {
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he.Code
		}
		if !c.Response().Committed {
			return 500
		}
	}
	return c.Response().Status
}
