package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	proxy *ProxyHandler,
	subs *SubscriptionHandler,
	health *HealthHandler,
) {
	e.GET("/", health.Index)
	e.GET("/healthz", health.Healthz)

	// The proxy route is never compressed so byte ranges stay exact.
	e.GET(proxy.path, proxy.Handle)
	e.HEAD(proxy.path, proxy.Handle)

	api := e.Group("/api", middleware.Gzip())
	api.GET("/status", health.Status)
	api.GET("/subscriptions", subs.List)
	api.POST("/subscriptions", subs.Add)
	api.DELETE("/subscriptions/:id", subs.Remove)
	api.GET("/subscriptions/:id/channels", subs.Channels)
	api.GET("/fixed-subscriptions", subs.Fixed)

	if cfg.Metrics.Enabled && m != nil {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
