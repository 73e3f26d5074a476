package handler

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"m3u-proxy-go/internal/channels"
	"m3u-proxy-go/internal/client"
	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/service"
	"m3u-proxy-go/internal/subscription"
)

type testDeps struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	proxy   *ProxyHandler
	subs    *SubscriptionHandler
	health  *HealthHandler
	store   *subscription.Store
}

func newTestDeps(t *testing.T, mutate func(*config.Config)) *testDeps {
	t.Helper()
	ttl := 60
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "test-agent",
		},
		Proxy: config.ProxyConfig{
			Path:             "/api/proxy",
			MaxPlaylistBytes: 1024 * 1024,
		},
		Subscriptions: config.SubscriptionsConfig{
			DataFile: filepath.Join(t.TempDir(), "subscriptions.json"),
		},
		Channels: config.ChannelsConfig{CacheTTLSeconds: &ttl, CacheSize: 16},
		Metrics:  config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := service.NewProxyService(client.NewOriginClient(cfg, logger, m), cfg, logger)

	store, err := subscription.NewStore(cfg, logger)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	chs := channels.NewService(svc, cfg, m, logger)

	return &testDeps{
		cfg:     cfg,
		metrics: m,
		proxy:   NewProxyHandler(svc, cfg, m, logger),
		subs:    NewSubscriptionHandler(store, chs, logger),
		health:  NewHealthHandler(cfg, store, "test"),
		store:   store,
	}
}

// outcomeCount returns the value of m3u_proxy_outcomes_total{outcome}.
func outcomeCount(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "m3u_proxy_outcomes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
