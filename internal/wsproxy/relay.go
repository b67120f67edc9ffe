// Package wsproxy relays WebSocket sessions between a client and the upstream.
package wsproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/metrics"
	"ode-proxy-go/internal/model"
	"ode-proxy-go/internal/service"
)

const (
	dialTimeout = 10 * time.Second
	// readLimit caps a single relayed message. Vite HMR payloads stay far below it.
	readLimit = 64 << 20
)

// UpgradeError reports a failed client handshake. The handshake failure
// response has already been written when it is returned.
type UpgradeError struct {
	Err error
}

func (e *UpgradeError) Error() string { return "websocket upgrade: " + e.Err.Error() }

func (e *UpgradeError) Unwrap() error { return e.Err }

// Relay proxies WebSocket handshakes to the upstream and pumps frames both ways.
type Relay struct {
	target  model.UpstreamTarget
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelay creates a Relay for the configured target. The metrics parameter is optional.
func NewRelay(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		target:  cfg.Target,
		logger:  logger.With("component", "websocket_relay"),
		metrics: m,
	}
}

// IsUpgrade reports whether h carries a WebSocket handshake.
func IsUpgrade(h http.Header) bool {
	if !strings.EqualFold(textproto.TrimString(h.Get("Upgrade")), "websocket") {
		return false
	}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(textproto.TrimString(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// Serve relays one WebSocket session for path and rawQuery on the upstream.
//
// The upstream is dialed before the client handshake is answered, so a dial
// failure is returned as *service.ProxyError with nothing written to w. A
// failed client handshake is returned as *UpgradeError. Once both sides are
// connected Serve blocks until either peer closes and returns nil.
func (r *Relay) Serve(w http.ResponseWriter, req *http.Request, path, rawQuery string) error {
	u := r.target.BaseURL()
	u.Scheme = "ws"
	u.Path = path
	u.RawQuery = rawQuery

	dialCtx, cancel := context.WithTimeout(req.Context(), dialTimeout)
	defer cancel()

	upstream, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader:      dialHeader(req.Header),
		Subprotocols:    subprotocols(req.Header),
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return &service.ProxyError{Op: "websocket dial", Err: err}
	}

	var accepted []string
	if p := upstream.Subprotocol(); p != "" {
		accepted = []string{p}
	}
	client, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		Subprotocols: accepted,
		// Origin checks belong to the upstream, which receives the Origin header.
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		_ = upstream.Close(websocket.StatusGoingAway, "client handshake failed")
		return &UpgradeError{Err: err}
	}

	client.SetReadLimit(readLimit)
	upstream.SetReadLimit(readLimit)

	if r.metrics != nil {
		r.metrics.WebSocketSessions.Inc()
		defer r.metrics.WebSocketSessions.Dec()
	}

	start := time.Now()
	r.logger.Debug("websocket session opened", "path", path, "subprotocol", upstream.Subprotocol())

	err = relay(req.Context(), client, upstream)

	status := websocket.CloseStatus(err)
	attrs := []any{
		"path", path,
		"duration_ms", time.Since(start).Milliseconds(),
		"close_status", int(status),
	}
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		r.logger.Debug("websocket session closed", attrs...)
	} else {
		r.logger.Warn("websocket session ended", append(attrs, "err", err)...)
	}
	return nil
}

// relay runs one pump per direction. Each pump closes its destination when
// its source ends, which in turn ends the opposite pump.
func relay(ctx context.Context, client, upstream *websocket.Conn) error {
	var g errgroup.Group
	g.Go(func() error { return pipe(ctx, upstream, client) })
	g.Go(func() error { return pipe(ctx, client, upstream) })
	return g.Wait()
}

func pipe(ctx context.Context, dst, src *websocket.Conn) error {
	err := copyMessages(ctx, dst, src)
	code, reason := closeFrameFor(err)
	_ = dst.Close(code, reason)
	return err
}

// copyMessages forwards whole messages, keeping each frame type.
func copyMessages(ctx context.Context, dst, src *websocket.Conn) error {
	for {
		typ, rd, err := src.Reader(ctx)
		if err != nil {
			return err
		}
		wr, err := dst.Writer(ctx, typ)
		if err != nil {
			return err
		}
		if _, err := io.Copy(wr, rd); err != nil {
			_ = wr.Close()
			return fmt.Errorf("relay message: %w", err)
		}
		if err := wr.Close(); err != nil {
			return err
		}
	}
}

// closeFrameFor mirrors the peer's close status onto the other side. Codes
// that may not appear on the wire are mapped to their nearest sendable form.
func closeFrameFor(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.StatusGoingAway, "peer disconnected"
	}
	switch ce.Code {
	case websocket.StatusNoStatusRcvd:
		return websocket.StatusNormalClosure, ""
	case websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return websocket.StatusGoingAway, "peer disconnected"
	}
	return ce.Code, ce.Reason
}

// dialHeader is the client handshake minus anything the dialer negotiates itself.
func dialHeader(src http.Header) http.Header {
	h := service.RewriteRequestHeaders(src)
	for name := range h {
		if strings.HasPrefix(strings.ToLower(name), "sec-websocket-") {
			h.Del(name)
		}
	}
	return h
}

func subprotocols(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = textproto.TrimString(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
