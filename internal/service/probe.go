package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"ode-proxy-go/internal/client"
	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/metrics"
	"ode-proxy-go/internal/model"
)

// maxProbeDrain bounds how much of a probe response body is read before closing.
const maxProbeDrain = 64 << 10

// ProbeService checks upstream liveness through its status endpoint.
type ProbeService struct {
	client  *client.UpstreamClient
	target  model.UpstreamTarget
	path    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewProbeService creates a ProbeService. The metrics parameter is optional.
func NewProbeService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProbeService {
	return &ProbeService{
		client:  c,
		target:  cfg.Target,
		path:    cfg.Upstream.StatusPath,
		timeout: cfg.Gate.ProbeTimeout(),
		logger:  logger.With("component", "probe"),
		metrics: m,
		now:     time.Now,
	}
}

// Target returns the upstream being probed.
func (p *ProbeService) Target() model.UpstreamTarget {
	return p.target
}

// StatusURL returns the full URL of the upstream status endpoint.
func (p *ProbeService) StatusURL() string {
	u := p.target.BaseURL()
	u.Path = p.path
	return u.String()
}

// Check performs one GET against the status endpoint, bounded by the probe
// timeout. It never retries and never fails: every outcome is in the result.
func (p *ProbeService) Check(ctx context.Context) (res model.ProbeResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("probe panicked", "panic", r)
			res = model.ProbeResult{Message: "probe failed", ObservedAt: p.now()}
		}
		p.record(res)
	}()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	header := http.Header{"Accept": {"application/json"}}
	resp, err := p.client.DoStream(ctx, http.MethodGet, p.StatusURL(), header, nil)
	if err != nil {
		return model.ProbeResult{Message: p.describe(err), ObservedAt: p.now()}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeDrain))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.ProbeResult{
			StatusCode: resp.StatusCode,
			Message:    "upstream returned error",
			ObservedAt: p.now(),
		}
	}
	return model.ProbeResult{OK: true, StatusCode: resp.StatusCode, ObservedAt: p.now()}
}

// describe turns a transport error into a short operator-facing cause.
func (p *ProbeService) describe(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("upstream did not respond within %s", p.timeout)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return fmt.Sprintf("upstream did not respond within %s", p.timeout)
		}
		return urlErr.Err.Error()
	}
	return err.Error()
}

func (p *ProbeService) record(res model.ProbeResult) {
	if res.OK {
		p.logger.Debug("probe ok", "target", p.target.String(), "status", res.StatusCode)
	} else {
		p.logger.Warn("probe failed", "target", p.target.String(), "status", res.StatusCode, "message", res.Message)
	}
	if p.metrics == nil {
		return
	}
	result := "down"
	if res.OK {
		result = "up"
	}
	p.metrics.ProbesTotal.WithLabelValues(result).Inc()
}
