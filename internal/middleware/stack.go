package middleware

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/metrics"
)

// Apply installs the standard middleware chain on e in serving order.
func Apply(e *echo.Echo, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(RequestLogger(logger))
	if cfg.Server.BodyMaxBytes > 0 {
		e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	}
	e.Use(SecurityHeaders())

	if origins := cfg.Server.CORS.AllowedOrigins; len(origins) > 0 {
		e.Use(CORS(cfg.Server.CORS))
		logger.Info("cors enabled", "origins", origins)
	}

	if cfg.Server.RateLimit.Enabled {
		e.Use(RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	if cfg.Metrics.Enabled && m != nil {
		scrape := cfg.Metrics.Path
		e.Use(MetricsMiddleware(m, func(c echo.Context) bool {
			return c.Request().URL.Path == scrape
		}))
	}
}
