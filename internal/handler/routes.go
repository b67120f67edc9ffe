package handler

import (
	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance for the
// configured UI mode.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	health *HealthHandler,
	proxy *ProxyHandler,
	root *RootHandler,
	spa *SPAHandler,
) {
	e.GET("/healthz", health.Healthz)
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}

	prefix := cfg.Upstream.APIPrefix
	e.Any(prefix, proxy.API)
	e.Any(prefix+"/*", proxy.API)

	e.Static("/static", cfg.UI.StaticDir)

	switch cfg.UI.Mode {
	case config.ModeIngress:
		e.GET("/*", spa.Serve)
	case config.ModeEmbed:
		e.GET("/", root.Serve)
		e.Any("/*", proxy.Passthrough)
	default:
		e.Any("/*", proxy.Passthrough)
	}
}
