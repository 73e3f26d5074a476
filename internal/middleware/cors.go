package middleware

import (
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	corsAllowMethods  = "GET, HEAD, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Content-Type, Range"
	corsExposeHeaders = "Content-Length, Content-Range, Content-Type, Accept-Ranges"
	corsMaxAge        = "86400"
)

// CORS returns an Echo middleware that sets the CORS headers on every
// response, including error responses and requests without an Origin
// header, so browser players can read proxied media from any page.
// OPTIONS requests are answered with 204 without reaching the handler.
//
// allowedOrigins containing "*" allows every origin. Otherwise a matching
// Origin is echoed back and other origins get no Allow-Origin header.
func CORS(allowedOrigins []string) echo.MiddlewareFunc {
	wildcard := len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			if wildcard {
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
			} else {
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
				origin := c.Request().Header.Get(echo.HeaderOrigin)
				if origin != "" && slices.ContainsFunc(allowedOrigins, func(o string) bool {
					return strings.EqualFold(o, origin)
				}) {
					h.Set(echo.HeaderAccessControlAllowOrigin, origin)
				}
			}
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, corsExposeHeaders)

			if c.Request().Method == http.MethodOptions {
				h.Set(echo.HeaderAccessControlMaxAge, corsMaxAge)
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}
