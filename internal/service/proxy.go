// Package service implements upstream forwarding and liveness probing.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"ode-proxy-go/internal/client"
	"ode-proxy-go/internal/config"
	"ode-proxy-go/internal/model"
)

// ProxyError reports a transport-level failure while forwarding to the upstream.
type ProxyError struct {
	Op  string
	Err error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Op, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was the upstream not answering in time.
func (e *ProxyError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client *client.UpstreamClient
	target model.UpstreamTarget
	logger *slog.Logger
}

// NewProxyService creates a ProxyService for the configured upstream target.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		target: cfg.Target,
		logger: logger.With("component", "proxy_service"),
	}
}

// Target returns the upstream this service forwards to.
func (s *ProxyService) Target() model.UpstreamTarget {
	return s.target
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
// Transport failures are returned as *ProxyError.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	u := s.UpstreamURL(pr)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	body := pr.Body
	if body == nil || pr.ContentLength == 0 {
		body = http.NoBody
	}
	ctx := pr.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, u.String(), body)
	if err != nil {
		return nil, &ProxyError{Op: "build request", Err: err}
	}
	req.ContentLength = pr.ContentLength
	req.Header = RewriteRequestHeaders(pr.Header)
	req.Host = s.target.Authority()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &ProxyError{Op: "forward", Err: err}
	}

	resp.Header = FilterResponseHeaders(resp.Header)
	return resp, nil
}

// UpstreamURL maps the request onto the upstream base URL. The query string
// is kept verbatim when RawQuery is set.
func (s *ProxyService) UpstreamURL(pr *model.ProxyRequest) *url.URL {
	u := s.target.BaseURL()
	u.Path = pr.Path
	u.RawPath = pr.RawPath
	if u.Path == "" {
		u.Path = "/"
	}
	if pr.RawQuery != "" {
		u.RawQuery = pr.RawQuery
	} else if len(pr.Query) > 0 {
		u.RawQuery = pr.Query.Encode()
	}
	return u
}

// StripPrefix removes a sub-mount prefix from path exactly once. Slashes
// after the prefix collapse, so "/api/foo" and "/api//foo" become "/foo",
// and "/api" or "/api/" become "/". It reports false when path is not
// under prefix ("/apiary" is not under "/api").
func StripPrefix(path, prefix string) (string, bool) {
	if prefix == "" {
		return path, true
	}
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return path, false
	}
	return "/" + strings.TrimLeft(path[len(prefix):], "/"), true
}
