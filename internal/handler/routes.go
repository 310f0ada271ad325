package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"impact-gateway/internal/config"
	"impact-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Both /api and /api/* are registered so that a request with an empty path
// tail still reaches the forwarder.
func RegisterRoutes(e *echo.Echo, forward *ForwardHandler, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any("/api", forward.Handle)
	e.Any("/api/*", forward.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}
}
