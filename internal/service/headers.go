package service

import (
	"net/http"
	"net/textproto"
	"strings"
)

// IngressPathHeader carries the path prefix an outer gateway mounted us under.
const IngressPathHeader = "X-Ingress-Path"

// hopByHopHeaders apply to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forwardedHeaders are injected by intermediate infrastructure. Frameworks on
// the upstream (Vite in particular) trust them and build wrong URLs.
var forwardedHeaders = []string{
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-For",
}

// RewriteRequestHeaders returns a copy of src suitable for the upstream:
// hop-by-hop and X-Forwarded-* headers are removed and the ingress path is
// always present (empty when the client sent none). Host is not a header in
// net/http and is set on the request by the caller.
func RewriteRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	for _, h := range forwardedHeaders {
		dst.Del(h)
	}
	dst.Set(IngressPathHeader, src.Get(IngressPathHeader))
	return dst
}

// FilterResponseHeaders returns a copy of src without hop-by-hop headers.
func FilterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes the fixed hop-by-hop set plus any header named in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
