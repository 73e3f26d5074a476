package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/middleware"
	"m3u-proxy-go/internal/model"
	"m3u-proxy-go/internal/service"
)

// ProxyHandler serves the forwarding proxy endpoint.
type ProxyHandler struct {
	service   *service.ProxyService
	publicURL string
	path      string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	path := cfg.Proxy.Path
	if path == "" {
		path = "/api/proxy"
	}
	return &ProxyHandler{
		service:   svc,
		publicURL: cfg.Proxy.PublicURL,
		path:      path,
		metrics:   m,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the url query parameter from its origin and relays the
// response, rewriting HLS playlists so their references route back here.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	raw := c.QueryParam("url")

	if target, err := service.ParseTarget(raw); err == nil {
		c.Set(middleware.TargetHostKey, target.Host)
	}

	resp, err := h.service.Forward(&model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		TargetURL:     raw,
		Range:         req.Header.Get("Range"),
		ProxyEndpoint: h.endpoint(c),
	})
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	h.metrics.ObserveOutcome(resp.Outcome)
	if resp.Outcome == metrics.OutcomeRewritten && req.Method != http.MethodHead {
		h.metrics.ObservePlaylist(string(resp.Kind))
	}

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead {
		return nil
	}

	// Once the status is sent a failed copy can only truncate the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) || errors.Is(req.Context().Err(), context.Canceled) {
			level = slog.LevelDebug
		}
		h.logger.Log(req.Context(), level, "streaming response body",
			"err", sanitizeError(err),
			"status", resp.StatusCode,
		)
	}
	return nil
}

// endpoint returns the URL rewritten playlist entries point at.
func (h *ProxyHandler) endpoint(c echo.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	return c.Scheme() + "://" + c.Request().Host + h.path
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	f := classify(err)
	h.metrics.ObserveOutcome(f.outcome)

	level := slog.LevelError
	if f.status == http.StatusBadRequest || f.message == "client disconnected" {
		level = slog.LevelInfo
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"status", f.status,
	)

	return jsonError(c, f.status, f.message)
}
