package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/gate"
	"ode-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	probe   *service.ProbeService
	gate    *gate.Gate
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, probe *service.ProbeService, g *gate.Gate, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, probe: probe, gate: g, version: v}
}

// Healthz returns a simple OK response for liveness probes of the proxy itself.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Health probes the upstream once and reports the outcome.
func (h *HealthHandler) Health(c echo.Context) error {
	res := h.probe.Check(c.Request().Context())
	body := healthResponse{Target: h.cfg.Target.String()}
	if res.OK {
		body.Status = "ok"
		return c.JSON(http.StatusOK, body)
	}
	body.Status = "error"
	body.Message = res.Message
	return c.JSON(http.StatusBadGateway, body)
}

// Status returns proxy status information, including the startup gate.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": string(h.version),
		"mode":    h.cfg.UI.Mode,
		"target":  h.cfg.Target.String(),
		"gate":    h.gate.State(),
	})
}
