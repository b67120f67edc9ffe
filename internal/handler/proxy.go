package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/model"
	"ode-proxy-go/internal/pages"
	"ode-proxy-go/internal/service"
	"ode-proxy-go/internal/wsproxy"
)

// ProxyHandler forwards requests to the upstream and streams the response back.
type ProxyHandler struct {
	service   *service.ProxyService
	relay     *wsproxy.Relay
	apiPrefix string
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, relay *wsproxy.Relay, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:   svc,
		relay:     relay,
		apiPrefix: cfg.Upstream.APIPrefix,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// API forwards a request under the API prefix with the prefix removed,
// relaying WebSocket handshakes. Failures are reported as JSON.
func (h *ProxyHandler) API(c echo.Context) error {
	req := c.Request()

	path, _ := service.StripPrefix(req.URL.Path, h.apiPrefix)

	if wsproxy.IsUpgrade(req.Header) {
		return h.websocket(c, path, h.mapError)
	}

	rawPath := ""
	if req.URL.RawPath != "" {
		if p, ok := service.StripPrefix(req.URL.RawPath, h.apiPrefix); ok {
			rawPath = p
		}
	}

	resp, err := h.forward(c, path, rawPath, req.URL.RawQuery)
	if err != nil {
		return h.mapError(c, err)
	}
	h.stream(c, resp)
	return nil
}

// Passthrough forwards any other request unchanged, relaying WebSocket
// handshakes. Failures render the diagnostic page.
func (h *ProxyHandler) Passthrough(c echo.Context) error {
	req := c.Request()

	if wsproxy.IsUpgrade(req.Header) {
		return h.websocket(c, req.URL.Path, h.unreachable)
	}

	resp, err := h.forward(c, req.URL.Path, req.URL.RawPath, req.URL.RawQuery)
	if err != nil {
		return h.unreachable(c, err)
	}
	h.stream(c, resp)
	return nil
}

// websocket relays a handshake for the upstream path. A failed upstream dial
// has written nothing yet and is reported through onDialErr.
func (h *ProxyHandler) websocket(c echo.Context, path string, onDialErr func(echo.Context, error) error) error {
	req := c.Request()
	err := h.relay.Serve(c.Response(), req, path, req.URL.RawQuery)

	var upgradeErr *wsproxy.UpgradeError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &upgradeErr):
		// The handshake response has already been written.
		h.logger.Warn("websocket handshake failed", "err", err, "path", req.URL.Path)
		return nil
	default:
		return onDialErr(c, err)
	}
}

func (h *ProxyHandler) forward(c echo.Context, path, rawPath, rawQuery string) (*model.ProxyResponse, error) {
	req := c.Request()
	return h.service.Forward(&model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawPath:       rawPath,
		RawQuery:      rawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	})
}

// stream copies the upstream response to the client. Event streams are
// flushed after every write.
func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) {
	defer func() { _ = resp.Body.Close() }()

	w := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if isEventStream(resp.Header) {
		dst = flushWriter{w}
	}

	// Headers are already sent, so a failure here can only truncate the body.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		path := c.Request().URL.Path
		if errors.Is(c.Request().Context().Err(), context.Canceled) {
			h.logger.Debug("client went away mid-stream", "path", path)
			return
		}
		h.logger.Error("streaming response body", "err", err, "path", path)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var pe *service.ProxyError
	if errors.As(err, &pe) && pe.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "ODE backend timeout",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "ODE backend not available",
	})
}

// unreachable logs err and renders the diagnostic page. The page shows the
// target only, never the error.
func (h *ProxyHandler) unreachable(c echo.Context, err error) error {
	h.logger.Error("upstream unavailable",
		"err", err,
		"path", c.Request().URL.Path,
	)

	target := h.service.Target()
	var buf bytes.Buffer
	if err := pages.RenderUnreachable(&buf, pages.Unreachable{
		TargetURL: target.String(),
		Port:      target.Port(),
	}); err != nil {
		return err
	}
	return c.HTMLBlob(http.StatusBadGateway, buf.Bytes())
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get(echo.HeaderContentType))
	return err == nil && mt == "text/event-stream"
}

type flushWriter struct {
	w *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		f.w.Flush()
	}
	return n, err
}
