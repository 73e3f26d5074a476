package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/subscription"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and banner endpoints.
type HealthHandler struct {
	cfg     *config.Config
	store   *subscription.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, store *subscription.Store, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, store: store, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                   "ok",
		"version":                  string(h.version),
		"proxy_path":               h.proxyPath(),
		"upstream_timeout_seconds": h.cfg.Upstream.TimeoutSeconds,
		"subscriptions":            h.store.Len(),
		"fixed_subscriptions":      len(h.store.Fixed()),
	})
}

// Index returns a plain-text usage banner.
func (h *HealthHandler) Index(c echo.Context) error {
	return c.String(http.StatusOK, fmt.Sprintf(
		"m3u-proxy %s\nusage: GET %s?url=<playlist or segment URL>\n",
		h.version, h.proxyPath(),
	))
}

func (h *HealthHandler) proxyPath() string {
	if h.cfg.Proxy.Path == "" {
		return "/api/proxy"
	}
	return h.cfg.Proxy.Path
}
