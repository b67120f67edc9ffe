package handler

import (
	"bytes"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/pages"
)

// frameParam marks the iframe request that loads the real upstream UI.
const frameParam = "ode_frame"

// RootHandler serves the embed-mode landing page.
type RootHandler struct {
	cfg   *config.Config
	proxy *ProxyHandler
}

// NewRootHandler creates a RootHandler.
func NewRootHandler(cfg *config.Config, proxy *ProxyHandler) *RootHandler {
	return &RootHandler{cfg: cfg, proxy: proxy}
}

// Serve renders the gate page, or forwards to the upstream root when the
// request comes from the page's own iframe.
func (h *RootHandler) Serve(c echo.Context) error {
	req := c.Request()

	if _, ok := req.URL.Query()[frameParam]; ok {
		q, err := url.ParseQuery(req.URL.RawQuery)
		if err != nil {
			q = url.Values{}
		}
		q.Del(frameParam)

		resp, err := h.proxy.forward(c, "/", "", q.Encode())
		if err != nil {
			return h.proxy.unreachable(c, err)
		}
		h.proxy.stream(c, resp)
		return nil
	}

	// Relative URLs keep the page working behind an ingress path prefix.
	var buf bytes.Buffer
	if err := pages.RenderGate(&buf, pages.Gate{
		Unreachable: pages.Unreachable{
			TargetURL: h.cfg.Target.String(),
			Port:      h.cfg.Target.Port(),
		},
		HealthURL:       "health",
		FrameURL:        "./?" + frameParam + "=1",
		MaxRetries:      h.cfg.Gate.MaxRetries,
		BackoffMS:       h.cfg.Gate.BackoffMS,
		RevealTimeoutMS: h.cfg.Gate.RevealTimeoutMS,
	}); err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.HTMLBlob(http.StatusOK, buf.Bytes())
}
