// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Segment transfers can take
// several seconds, so the tail reaches past the origin timeout.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30}

// Proxy outcome label values.
const (
	OutcomeRewritten   = "rewritten"
	OutcomePassthrough = "passthrough"
	OutcomeOriginError = "origin_error"
	OutcomeInvalid     = "invalid"
	OutcomeTimeout     = "timeout"
	OutcomeBadGateway  = "bad_gateway"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ProxyOutcomes       *prometheus.CounterVec
	PlaylistsRewritten  *prometheus.CounterVec
	ChannelCacheLookups *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m3u_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m3u_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "m3u_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m3u_proxy_upstream_request_duration_seconds",
			Help:    "Time until origin response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m3u_proxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		ProxyOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m3u_proxy_outcomes_total",
			Help: "Proxied requests by outcome.",
		}, []string{"outcome"}),

		PlaylistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m3u_proxy_playlists_rewritten_total",
			Help: "Rewritten HLS playlists by kind (master, media, unknown).",
		}, []string{"kind"}),

		ChannelCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m3u_proxy_channel_cache_lookups_total",
			Help: "Channel list cache lookups by result (hit, miss).",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ProxyOutcomes,
		m.PlaylistsRewritten,
		m.ChannelCacheLookups,
	)

	return m
}

// ObserveOutcome increments the outcome counter. It is safe to call on a nil *Metrics.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ProxyOutcomes.WithLabelValues(outcome).Inc()
}

// ObservePlaylist records a rewritten playlist. It is safe to call on a nil *Metrics.
func (m *Metrics) ObservePlaylist(kind string) {
	if m == nil {
		return
	}
	m.PlaylistsRewritten.WithLabelValues(kind).Inc()
}

// ObserveCache records a channel cache lookup. It is safe to call on a nil *Metrics.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ChannelCacheLookups.WithLabelValues(result).Inc()
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{
	"/api/proxy",
	"/api/subscriptions",
	"/api/fixed-subscriptions",
	"/api/status",
	"/healthz",
	"/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	if path == "/" {
		return "/"
	}
	return "other"
}
