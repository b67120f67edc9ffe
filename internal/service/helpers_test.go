package service

import (
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"testing"

	"ode-proxy-go/internal/client"
	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// configFor returns a config whose upstream target is rawURL (an httptest server).
func configFor(t *testing.T, rawURL string) *config.Config {
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
	return &config.Config{
		Upstream: config.UpstreamConfig{
			StatusPath:      "/coordinator/status",
			APIPrefix:       "/api",
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Gate:   config.GateConfig{MaxRetries: 3, BackoffMS: 10, ProbeTimeoutMS: 3000},
		Target: target,
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

func newClient(cfg *config.Config) *client.UpstreamClient {
	return client.NewUpstreamClient(cfg, discardLogger(), nil)
}
