package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"impact-gateway/internal/model"
	"impact-gateway/internal/service"
)

// ForwardHandler relays API requests to the upstream impact engine.
type ForwardHandler struct {
	service *service.Forwarder
	logger  *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(fw *service.Forwarder, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		service: fw,
		logger:  logger.With("component", "forward_handler"),
	}
}

// Handle forwards the request to the upstream engine and streams the response back.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()

	fr := &model.ForwardRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     c.Param("*"),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(fr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy sanitized response headers
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. This is an inherent trade-off of
	// streaming gateways — we log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError translates forwarding failures into caller-facing error responses.
// Reading the inbound body is the caller's fault (400); everything else is an
// upstream fault (502/504). Ambiguous transport failures map to 502 rather
// than an empty success.
func (h *ForwardHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("forward error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrInboundBody) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body could not be read",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
