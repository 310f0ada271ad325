package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"impact-gateway/internal/client"
	"impact-gateway/internal/config"
	"impact-gateway/internal/model"
)

// errReader simulates a truncated inbound body transfer.
type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("truncated transfer") }

// newTestForwarder builds a Forwarder pointed at baseURL.
func newTestForwarder(t *testing.T, baseURL string) *Forwarder {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ec := client.NewEngineClient(cfg, logger, nil)
	fw, err := NewForwarder(ec, cfg, logger)
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	return fw
}

func TestSanitizeHeaders_StripsHopByHop(t *testing.T) {
	src := http.Header{
		"Accept":              {"application/json"},
		"Authorization":       {"Bearer secret"},
		"Connection":          {"keep-alive"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic abc"},
		"Te":                  {"gzip"},
		"Trailers":            {"Expires"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"websocket"},
		"Host":                {"inbound.example.com"},
		"Content-Length":      {"42"},
		"X-Custom-Header":     {"kept"},
	}

	dst := sanitizeHeaders(src)

	tests := []struct {
		name    string
		key     string
		wantLen int
	}{
		{"Accept forwarded", "Accept", 1},
		{"Authorization forwarded", "Authorization", 1},
		{"X-Custom-Header forwarded", "X-Custom-Header", 1},
		{"Connection stripped", "Connection", 0},
		{"Keep-Alive stripped", "Keep-Alive", 0},
		{"Proxy-Authenticate stripped", "Proxy-Authenticate", 0},
		{"Proxy-Authorization stripped", "Proxy-Authorization", 0},
		{"Te stripped", "Te", 0},
		{"Trailers stripped", "Trailers", 0},
		{"Transfer-Encoding stripped", "Transfer-Encoding", 0},
		{"Upgrade stripped", "Upgrade", 0},
		{"Host stripped", "Host", 0},
		{"Content-Length stripped", "Content-Length", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(dst.Values(tt.key))
			if got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}

	if v := dst.Get("X-Custom-Header"); v != "kept" {
		t.Errorf("X-Custom-Header = %q, want %q", v, "kept")
	}
}

func TestSanitizeHeaders_CaseInsensitive(t *testing.T) {
	// Raw map keys bypass http.Header canonicalization on purpose.
	src := http.Header{
		"CONNECTION":     {"close"},
		"content-length": {"10"},
		"hOsT":           {"x"},
		"aCCept":         {"text/plain"},
	}

	dst := sanitizeHeaders(src)

	for _, key := range []string{"Connection", "Content-Length", "Host"} {
		if len(dst.Values(key)) != 0 {
			t.Errorf("header %q should be stripped regardless of case", key)
		}
	}
	if dst.Get("Accept") != "text/plain" {
		t.Errorf("Accept = %q, want %q", dst.Get("Accept"), "text/plain")
	}
}

func TestSanitizeHeaders_ConnectionListedTokens(t *testing.T) {
	src := http.Header{
		"Connection":    {"close, X-Trace-Token"},
		"X-Trace-Token": {"abc"},
		"X-Other":       {"kept"},
	}

	dst := sanitizeHeaders(src)

	if len(dst.Values("X-Trace-Token")) != 0 {
		t.Error("header named in Connection value should be stripped")
	}
	if dst.Get("X-Other") != "kept" {
		t.Errorf("X-Other = %q, want %q", dst.Get("X-Other"), "kept")
	}
}

func TestSanitizeHeaders_Idempotent(t *testing.T) {
	src := http.Header{
		"Accept":     {"application/json"},
		"Connection": {"keep-alive"},
		"Host":       {"example.com"},
		"X-Custom":   {"a", "b"},
	}

	once := sanitizeHeaders(src)
	twice := sanitizeHeaders(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("sanitize not idempotent:\nonce  = %v\ntwice = %v", once, twice)
	}
}

func TestBuildTargetURL(t *testing.T) {
	fw := newTestForwarder(t, "http://origin:9000/")

	tests := []struct {
		name     string
		path     string
		rawQuery string
		want     string
	}{
		{"path no query", "widgets/42", "", "http://origin:9000/widgets/42"},
		{"path with query", "widgets/42", "x=1&y=2", "http://origin:9000/widgets/42?x=1&y=2"},
		{"empty path joins bare base", "", "", "http://origin:9000"},
		{"empty path with query", "", "limit=5", "http://origin:9000?limit=5"},
		{"leading slash tolerated", "/widgets", "", "http://origin:9000/widgets"},
		{"empty query has no question mark", "widgets", "", "http://origin:9000/widgets"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fw.buildTargetURL(tt.path, tt.rawQuery)
			if got != tt.want {
				t.Errorf("buildTargetURL(%q, %q) = %q, want %q", tt.path, tt.rawQuery, got, tt.want)
			}
		})
	}
}

func TestForward_SimpleGET(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/widgets/42" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/widgets/42")
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q, want %q", r.Header.Get("Accept"), "application/json")
		}
		if r.URL.RawQuery != "" {
			t.Errorf("query = %q, want empty", r.URL.RawQuery)
		}
		// The inbound Host must not survive the hop; the transport sets
		// its own Host for the upstream connection.
		if strings.Contains(r.Host, "inbound.example.com") {
			t.Errorf("inbound Host leaked upstream: %q", r.Host)
		}
		if v := r.Header.Get("Content-Length"); v != "" {
			t.Errorf("stale inbound Content-Length leaked upstream: %q", v)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("Host", "inbound.example.com")
	header.Set("Content-Length", "999")

	resp, err := fw.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "widgets/42",
		Header: header,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"id":42}` {
		t.Errorf("body = %q, want %q", string(body), `{"id":42}`)
	}
}

func TestForward_QueryPreservedVerbatim(t *testing.T) {
	var gotQuery string
	var gotURI string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotURI = r.RequestURI
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	tests := []struct {
		name      string
		rawQuery  string
		wantQuery string
		wantMark  bool
	}{
		{"two params round-trip", "x=1&y=2", "x=1&y=2", true},
		{"no query means no question mark", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := fw.Forward(&model.ForwardRequest{
				Ctx:      context.Background(),
				Method:   http.MethodGet,
				Path:     "foo/bar",
				RawQuery: tt.rawQuery,
				Header:   http.Header{},
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()

			if gotQuery != tt.wantQuery {
				t.Errorf("upstream query = %q, want %q", gotQuery, tt.wantQuery)
			}
			if strings.Contains(gotURI, "?") != tt.wantMark {
				t.Errorf("upstream URI = %q, question mark present = %v, want %v", gotURI, !tt.wantMark, tt.wantMark)
			}
		})
	}
}

func TestForward_SafeMethodBodySuppressed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if len(data) != 0 {
			t.Errorf("safe method forwarded a body: %q", string(data))
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	for _, method := range []string{http.MethodGet, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			resp, err := fw.Forward(&model.ForwardRequest{
				Ctx:    context.Background(),
				Method: method,
				Path:   "widgets",
				Header: http.Header{},
				Body:   io.NopCloser(strings.NewReader(`{"ignored":true}`)),
			})
			if err != nil {
				t.Fatalf("Forward() error = %v", err)
			}
			_ = resp.Body.Close()
		})
	}
}

func TestForward_POSTBodyAndContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if string(data) != `{"name":"x"}` {
			t.Errorf("body = %q, want %q", string(data), `{"name":"x"}`)
		}
		if got := r.Header.Values("Content-Type"); len(got) != 1 || got[0] != "application/json" {
			t.Errorf("Content-Type = %v, want exactly one %q", got, "application/json")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := fw.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "widgets",
		Header: header,
		Body:   io.NopCloser(strings.NewReader(`{"name":"x"}`)),
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
}

func TestForward_ResponseHeadersSanitized(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Engine-Hint", "kept")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	resp, err := fw.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "widgets",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.Header.Get("X-Engine-Hint") != "kept" {
		t.Errorf("X-Engine-Hint = %q, want %q", resp.Header.Get("X-Engine-Hint"), "kept")
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q, want %q", resp.Header.Get("Content-Type"), "application/json")
	}
	// The fixed-size body gives the upstream response a Content-Length;
	// it must not survive the response rebuild.
	if v := resp.Header.Get("Content-Length"); v != "" {
		t.Errorf("Content-Length should be stripped from response, got %q", v)
	}
}

func TestForward_BadInboundBody(t *testing.T) {
	var upstreamCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	_, err := fw.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "widgets",
		Header: http.Header{},
		Body:   io.NopCloser(errReader{}),
	})
	if err == nil {
		t.Fatal("Forward() expected error for truncated body, got nil")
	}
	if !errors.Is(err, ErrInboundBody) {
		t.Errorf("Forward() error = %v, want ErrInboundBody", err)
	}
	if upstreamCalls != 0 {
		t.Errorf("upstream called %d times for a truncated body, want 0", upstreamCalls)
	}
}

func TestForward_FreshExchangePerRequest(t *testing.T) {
	var upstreamCalls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	fw := newTestForwarder(t, upstream.URL)

	for i := 0; i < 2; i++ {
		resp, err := fw.Forward(&model.ForwardRequest{
			Ctx:    context.Background(),
			Method: http.MethodGet,
			Path:   "widgets/42",
			Header: http.Header{},
		})
		if err != nil {
			t.Fatalf("Forward() error = %v", err)
		}
		_ = resp.Body.Close()
	}

	if upstreamCalls != 2 {
		t.Errorf("upstream called %d times for 2 identical requests, want 2", upstreamCalls)
	}
}

func TestForward_UpstreamUnreachable(t *testing.T) {
	fw := newTestForwarder(t, "http://127.0.0.1:1")

	_, err := fw.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "widgets",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
}

func TestNewForwarder_RejectsRelativeBase(t *testing.T) {
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "not-a-url"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ec := client.NewEngineClient(cfg, logger, nil)

	_, err := NewForwarder(ec, cfg, logger)
	if err == nil {
		t.Fatal("NewForwarder() expected error for relative base URL, got nil")
	}
}
