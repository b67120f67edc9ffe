package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

// seen captures what the stub upstream received.
type seen struct {
	method, path, rawQuery, host, body string
	header                             http.Header
}

type recorder struct {
	mu   sync.Mutex
	last seen
}

func (r *recorder) get() seen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func recordingUpstream(t *testing.T) (*httptest.Server, *recorder) {
	t.Helper()
	rc := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.last = seen{
			method:   r.Method,
			path:     r.URL.Path,
			rawQuery: r.URL.RawQuery,
			host:     r.Host,
			body:     string(b),
			header:   r.Header.Clone(),
		}
		rc.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "ode")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, rc
}

func TestProxyHandler_API_StripsPrefix(t *testing.T) {
	upstream, rc := recordingUpstream(t)
	f := newFixture(t, upstream.URL)

	tests := []struct {
		name      string
		target    string
		wantPath  string
		wantQuery string
	}{
		{"nested path", "/api/coordinator/status", "/coordinator/status", ""},
		{"query verbatim", "/api/devices?id=1&id=2&q=a%20b", "/devices", "id=1&id=2&q=a%20b"},
		{"bare prefix", "/api", "/", ""},
		{"prefix with slash", "/api/", "/", ""},
		{"doubled slash", "/api//foo", "/foo", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := f.proxy.API(c); err != nil {
				t.Fatalf("API() error = %v", err)
			}

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			got := rc.get()
			if got.path != tt.wantPath {
				t.Errorf("upstream path = %q, want %q", got.path, tt.wantPath)
			}
			if got.rawQuery != tt.wantQuery {
				t.Errorf("upstream query = %q, want %q", got.rawQuery, tt.wantQuery)
			}
			if rec.Header().Get("X-Upstream") != "ode" {
				t.Error("upstream response header not copied")
			}
			if rec.Body.String() != `{"result":"ok"}` {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestProxyHandler_API_RewritesHeaders(t *testing.T) {
	upstream, rc := recordingUpstream(t)
	f := newFixture(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(`{"limit":5}`))
	req.Host = "ha.example:8123"
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req.Header.Set("X-Forwarded-Host", "ha.example")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Ingress-Path", "/api/hassio_ingress/abc")
	req.Header.Set("Connection", "keep-alive, X-Trace")
	req.Header.Set("X-Trace", "1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.proxy.API(c); err != nil {
		t.Fatalf("API() error = %v", err)
	}

	got := rc.get()
	wantHost := strings.TrimPrefix(upstream.URL, "http://")
	if got.host != wantHost {
		t.Errorf("upstream Host = %q, want %q", got.host, wantHost)
	}
	if got.method != http.MethodPost || got.body != `{"limit":5}` {
		t.Errorf("upstream got %s %q, want POST with body", got.method, got.body)
	}
	for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "X-Trace"} {
		if v := got.header.Get(h); v != "" {
			t.Errorf("%s forwarded as %q, want stripped", h, v)
		}
	}
	if v := got.header.Get("X-Ingress-Path"); v != "/api/hassio_ingress/abc" {
		t.Errorf("X-Ingress-Path = %q, want propagated", v)
	}
}

func TestProxyHandler_API_Errors(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(hang.Close)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantError  string
	}{
		{"unreachable", closedAddr(t), http.StatusBadGateway, "ODE backend not available"},
		{"timeout", hang.URL, http.StatusGatewayTimeout, "ODE backend timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.target)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/api/coordinator/status", http.NoBody).WithContext(ctx)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := f.proxy.API(c); err != nil {
				t.Fatalf("API() error = %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestProxyHandler_Passthrough_Unreachable(t *testing.T) {
	target := closedAddr(t)
	f := newFixture(t, target)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/devices", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.proxy.Passthrough(c); err != nil {
		t.Fatalf("Passthrough() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{target, `id="retry"`, "location.reload()"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	for _, leak := range []string{"dial tcp", "connection refused", "goroutine", "proxy forward"} {
		if strings.Contains(body, leak) {
			t.Errorf("body leaks %q", leak)
		}
	}
}

func TestProxyHandler_Passthrough_KeepsStatusAndRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream.URL)

	tests := []struct {
		path         string
		wantStatus   int
		wantLocation string
	}{
		{"/old", http.StatusFound, "/new"},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := f.proxy.Passthrough(c); err != nil {
				t.Fatalf("Passthrough() error = %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestProxyHandler_Passthrough_FlushesEventStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		_, _ = io.WriteString(w, "data: one\n\n")
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, "data: two\n\n")
	}))
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.proxy.Passthrough(c); err != nil {
		t.Fatalf("Passthrough() error = %v", err)
	}

	if !rec.Flushed {
		t.Error("event stream was not flushed")
	}
	if got := rec.Body.String(); got != "data: one\n\ndata: two\n\n" {
		t.Errorf("body = %q", got)
	}
}

func TestProxyHandler_Passthrough_WebSocket(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/live" {
			t.Errorf("upstream ws path = %q, want %q", r.URL.Path, "/ws/live")
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), typ, append([]byte("echo:"), data...))
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}))
	t.Cleanup(upstream.Close)
	f := newFixture(t, upstream.URL)

	e := echo.New()
	e.Any("/*", f.proxy.Passthrough)
	front := httptest.NewServer(e)
	t.Cleanup(front.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u, _ := url.Parse(front.URL)
	u.Scheme = "ws"
	u.Path = "/ws/live"
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if typ != websocket.MessageText || string(data) != "echo:hello" {
		t.Errorf("got %v %q, want text %q", typ, data, "echo:hello")
	}
}

func TestProxyHandler_Passthrough_WebSocketUnreachable(t *testing.T) {
	f := newFixture(t, closedAddr(t))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := f.proxy.Passthrough(c); err != nil {
		t.Fatalf("Passthrough() error = %v", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.Contains(rec.Body.String(), "Cannot Connect") {
		t.Error("expected diagnostic page")
	}
}
