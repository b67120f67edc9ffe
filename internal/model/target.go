package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultUpstreamHost is the Home Assistant mDNS name the ODE add-on is reachable at.
	DefaultUpstreamHost = "homeassistant.local"
	// DefaultUpstreamPort is the port the ODE add-on listens on.
	DefaultUpstreamPort = 3000
)

// ErrConfiguration marks invalid or missing configuration. It is fatal at startup.
var ErrConfiguration = errors.New("invalid configuration")

// UpstreamTarget is the resolved upstream address. It is built once at
// startup and never modified.
type UpstreamTarget struct {
	host string
	port int
}

// NewUpstreamTarget validates host and port, applying the defaults for an
// empty host or a zero port.
func NewUpstreamTarget(host string, port int) (UpstreamTarget, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = DefaultUpstreamHost
	}
	if port == 0 {
		port = DefaultUpstreamPort
	}
	if port < 1 || port > 65535 {
		return UpstreamTarget{}, fmt.Errorf("%w: upstream port must be 1-65535; got %d", ErrConfiguration, port)
	}
	if strings.ContainsAny(host, "/?#@ ") {
		return UpstreamTarget{}, fmt.Errorf("%w: upstream host %q is not a hostname", ErrConfiguration, host)
	}
	return UpstreamTarget{host: host, port: port}, nil
}

// Host returns the upstream hostname.
func (t UpstreamTarget) Host() string { return t.host }

// Port returns the upstream port.
func (t UpstreamTarget) Port() int { return t.port }

// Authority returns host:port, used as the Host header on forwarded requests.
func (t UpstreamTarget) Authority() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// BaseURL returns the upstream base URL, e.g. http://homeassistant.local:3000.
func (t UpstreamTarget) BaseURL() *url.URL {
	return &url.URL{Scheme: "http", Host: t.Authority()}
}

// String returns the base URL as a string.
func (t UpstreamTarget) String() string {
	return t.BaseURL().String()
}

// IsZero reports whether t was never resolved.
func (t UpstreamTarget) IsZero() bool {
	return t.host == "" && t.port == 0
}
