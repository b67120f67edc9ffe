package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"ode-proxy-go/internal/client"
	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/gate"
	"ode-proxy-go/internal/handler"
	"ode-proxy-go/internal/logging"
	"ode-proxy-go/internal/metrics"
	"ode-proxy-go/internal/middleware"
	"ode-proxy-go/internal/service"
	"ode-proxy-go/internal/wsproxy"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("ode-proxy"),
		kong.Description("Reverse proxy and availability gate for Open Dynamic Export."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			logging.New,
			metrics.New,
			newEcho,
			newGate,
			client.NewUpstreamClient,
			service.NewProxyService,
			service.NewProbeService,
			wsproxy.NewRelay,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewRootHandler,
			handler.NewSPAHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer, watchUpstream),
	).Run()
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0: event streams and WebSocket sessions are long-lived.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	middleware.Apply(e, cfg, logger, m)

	return e
}

func newGate(cfg *config.Config) *gate.Gate {
	return gate.New(cfg.Gate.MaxRetries, cfg.Gate.Backoff())
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"mode", cfg.UI.Mode,
				"target", cfg.Target.String(),
				"host_header", cfg.Target.Authority(),
				"version", version,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

// watchUpstream runs the instance gate in the background so the upstream's
// startup outcome shows in the logs, in /proxy/status and in metrics.
func watchUpstream(lc fx.Lifecycle, g *gate.Gate, probe *service.ProbeService, m *metrics.Metrics, logger *slog.Logger) {
	logger = logger.With("component", "gate")
	g.OnChange(func(s gate.State) {
		m.GateState.Set(float64(s.Phase))
		logger.Debug("gate state changed", "phase", s.Phase.String(), "attempt", s.Attempt)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				s := g.Run(ctx, probe)
				switch s.Phase {
				case gate.Ready:
					logger.Info("upstream is ready", "target", probe.Target().String())
				case gate.Unreachable:
					logger.Warn("upstream unreachable",
						"target", probe.Target().String(),
						"attempts", s.Attempt,
						"err", s.LastError,
					)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
