package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/grafana/regexp"
	"github.com/labstack/echo/v4"

	"m3u-proxy-go/internal/client"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/service"
)

// queryPattern matches the query part of URLs embedded in error messages.
// IPTV URLs routinely carry credentials there.
var queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

// failure describes how an error from the origin path is reported.
type failure struct {
	status  int
	message string
	outcome string
}

// classify maps an error from the forwarding path to a client-facing failure.
func classify(err error) failure {
	switch {
	case errors.Is(err, service.ErrMissingTarget):
		return failure{http.StatusBadRequest, service.ErrMissingTarget.Error(), metrics.OutcomeInvalid}
	case errors.Is(err, service.ErrInvalidTarget):
		return failure{http.StatusBadRequest, service.ErrInvalidTarget.Error(), metrics.OutcomeInvalid}
	case errors.Is(err, client.ErrUpstreamTimeout):
		return failure{http.StatusGatewayTimeout, "upstream timed out", metrics.OutcomeTimeout}
	case errors.Is(err, context.Canceled):
		return failure{http.StatusBadGateway, "client disconnected", metrics.OutcomeBadGateway}
	case errors.Is(err, service.ErrPlaylistTooLarge):
		return failure{http.StatusBadGateway, service.ErrPlaylistTooLarge.Error(), metrics.OutcomeBadGateway}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure{http.StatusBadGateway, "upstream host unreachable", metrics.OutcomeBadGateway}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return failure{http.StatusBadGateway, "upstream connection failed", metrics.OutcomeBadGateway}
	}
	return failure{http.StatusBadGateway, "upstream request failed", metrics.OutcomeBadGateway}
}

func jsonError(c echo.Context, status int, message string) error {
	return c.JSON(status, map[string]string{"error": message})
}

// sanitizeError redacts query strings from error messages that may contain origin URLs.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
