package handler

import (
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"testing"

	"ode-proxy-go/internal/client"
	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/gate"
	"ode-proxy-go/internal/metrics"
	"ode-proxy-go/internal/model"
	"ode-proxy-go/internal/service"
	"ode-proxy-go/internal/wsproxy"
)

type fixture struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	gate    *gate.Gate
	health  *HealthHandler
	proxy   *ProxyHandler
	root    *RootHandler
	spa     *SPAHandler
}

// newFixture wires the handlers against an upstream at rawURL. Each opt may
// adjust the config before anything is built from it.
func newFixture(t *testing.T, rawURL string, opts ...func(*config.Config)) *fixture {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	target, err := model.NewUpstreamTarget(u.Hostname(), port)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			StatusPath:      "/coordinator/status",
			APIPrefix:       "/api",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Gate: config.GateConfig{
			MaxRetries:      3,
			BackoffMS:       2000,
			ProbeTimeoutMS:  3000,
			RevealTimeoutMS: 5000,
		},
		UI: config.UIConfig{
			Mode:      config.ModeProxy,
			StaticDir: t.TempDir(),
			SPADir:    t.TempDir(),
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Target:  target,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	c := client.NewUpstreamClient(cfg, logger, m)
	g := gate.New(cfg.Gate.MaxRetries, cfg.Gate.Backoff())

	proxy := NewProxyHandler(service.NewProxyService(c, cfg, logger), wsproxy.NewRelay(cfg, logger, m), cfg, logger)
	return &fixture{
		cfg:     cfg,
		metrics: m,
		gate:    g,
		health:  NewHealthHandler(cfg, service.NewProbeService(c, cfg, logger, m), g, "test"),
		proxy:   proxy,
		root:    NewRootHandler(cfg, proxy),
		spa:     NewSPAHandler(cfg),
	}
}

// closedAddr returns a loopback URL nothing is listening on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return "http://" + addr
}
