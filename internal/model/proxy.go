// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// Path is the upstream path, after any sub-mount prefix has been removed.
	Path    string
	RawPath string
	Query   url.Values
	// RawQuery, when set, is sent verbatim instead of re-encoding Query.
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
	// ContentLength follows http.Request: -1 means unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
