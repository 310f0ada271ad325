// Package service implements the core request-forwarding logic.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"impact-gateway/internal/client"
	"impact-gateway/internal/config"
	"impact-gateway/internal/model"
)

// ErrInboundBody is returned when the inbound request body cannot be fully read.
// A partially-read body is never forwarded upstream.
var ErrInboundBody = errors.New("inbound request body could not be read")

// hopByHopHeaders are connection-scoped headers that must never cross the
// gateway in either direction. Host and Content-Length are included because
// the outbound transport recomputes them; a stale inbound value must not
// survive the header rebuild.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"host":                true,
	"content-length":      true,
}

// safeMethods carry no request body semantics; inbound bodies on these
// methods are dropped, not forwarded.
var safeMethods = map[string]bool{
	http.MethodGet:  true,
	http.MethodHead: true,
}

// Forwarder relays inbound requests to the configured upstream engine.
// It holds no mutable state across requests; concurrent use needs no locking.
type Forwarder struct {
	client *client.EngineClient
	logger *slog.Logger
	base   string // upstream base URL with any trailing slash stripped
}

// NewForwarder creates a Forwarder targeting the configured upstream.
func NewForwarder(c *client.EngineClient, cfg *config.Config, logger *slog.Logger) (*Forwarder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not an absolute URL", cfg.Upstream.BaseURL)
	}

	return &Forwarder{
		client: c,
		logger: logger.With("component", "forwarder"),
		base:   strings.TrimRight(cfg.Upstream.BaseURL, "/"),
	}, nil
}

// Forward relays fr to the upstream engine and returns the sanitized response.
// The caller is responsible for closing the response body.
//
// The inbound body is read in full before dispatch so that a truncated
// transfer surfaces as ErrInboundBody instead of a partial upstream write.
// The upstream response body is returned as a stream. Every call is a fresh
// exchange; nothing is cached.
func (f *Forwarder) Forward(fr *model.ForwardRequest) (*model.ForwardResponse, error) {
	target := f.buildTargetURL(fr.Path, fr.RawQuery)

	header := sanitizeHeaders(fr.Header)
	// Content-Type is deliberately exempt from the rebuild: re-assert the
	// inbound value so it cannot be lost or mis-derived on the way out.
	if ct := fr.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}

	body, err := f.outboundBody(fr)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("forwarding request",
		"method", fr.Method,
		"path", fr.Path,
	)

	resp, err := f.client.DoStream(fr.Ctx, fr.Method, target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = sanitizeHeaders(resp.Header)
	return resp, nil
}

// buildTargetURL joins the path tail onto the upstream base and reattaches
// the raw query verbatim. An empty query round-trips as absent, never as a
// bare "?". An empty path tail resolves to the bare base.
func (f *Forwarder) buildTargetURL(path, rawQuery string) string {
	target := f.base
	if p := strings.TrimLeft(path, "/"); p != "" {
		target += "/" + p
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// outboundBody returns the body to forward, applying the safe-method rule.
func (f *Forwarder) outboundBody(fr *model.ForwardRequest) (io.Reader, error) {
	if safeMethods[fr.Method] || fr.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(fr.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInboundBody, err)
	}
	return bytes.NewReader(data), nil
}

// sanitizeHeaders rebuilds src without hop-by-hop headers. Header names
// listed as tokens in the Connection value are connection-scoped as well
// (RFC 7230 section 6.1) and are dropped with the fixed set. The same filter
// runs on the request and response paths, and it is idempotent.
func sanitizeHeaders(src http.Header) http.Header {
	connScoped := make(map[string]bool)
	for _, vs := range src.Values("Connection") {
		for _, tok := range strings.Split(vs, ",") {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				connScoped[tok] = true
			}
		}
	}

	dst := make(http.Header, len(src))
	for key, vals := range src {
		lower := strings.ToLower(key)
		if hopByHopHeaders[lower] || connScoped[lower] {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
	}
	return dst
}
