// Package middleware provides Echo middleware for logging, metrics, CORS,
// compression and security headers.
package middleware

import (
	"errors"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// TargetHostKey is the echo context key under which the proxy handler
// stores the origin host of the current request.
const TargetHostKey = "target_host"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Server errors are logged at warn level. Query strings are never logged
// because proxied target URLs often carry tokens.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			status := res.Status
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if host, ok := c.Get(TargetHostKey).(string); ok && host != "" {
				attrs = append(attrs, "target_host", host)
			}

			level := slog.LevelInfo
			if status >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request", attrs...)

			return err
		}
	}
}
