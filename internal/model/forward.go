// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// ForwardRequest represents a client request to be relayed to the upstream engine.
// Path is the tail under the gateway mount point, without a leading slash.
// RawQuery carries the inbound query string verbatim; an absent query is "".
type ForwardRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// ForwardResponse represents the upstream response to be streamed back.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
