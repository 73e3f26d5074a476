package channels

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/model"
	"m3u-proxy-go/internal/service"
)

// StatusError reports a non-2xx response for a subscription list.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subscription list returned status %d", e.StatusCode)
}

// Service fetches subscription lists through the proxy's outbound policy
// and caches the parsed channels per subscription URL.
type Service struct {
	proxy   *service.ProxyService
	cache   *otter.Cache[string, []model.Channel] // nil when caching is disabled
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a channel Service.
func NewService(p *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	s := &Service{
		proxy:   p,
		metrics: m,
		logger:  logger.With("component", "channels"),
	}
	if ttl := cfg.Channels.CacheTTL(); ttl > 0 {
		size := cfg.Channels.CacheSize
		if size <= 0 {
			size = 256
		}
		s.cache = otter.Must(&otter.Options[string, []model.Channel]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, []model.Channel](time.Duration(ttl) * time.Second),
		})
	}
	return s
}

// Channels returns the channel list of sub.
func (s *Service) Channels(ctx context.Context, sub model.Subscription) ([]model.Channel, error) {
	if s.cache != nil {
		if chs, ok := s.cache.GetIfPresent(sub.URL); ok {
			s.metrics.ObserveCache(true)
			return chs, nil
		}
		s.metrics.ObserveCache(false)
	}

	target, err := service.ParseTarget(sub.URL)
	if err != nil {
		return nil, err
	}

	resp, err := s.proxy.Fetch(ctx, http.MethodGet, target, "")
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", sub.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	data, err := s.proxy.ReadText(resp)
	if err != nil {
		return nil, fmt.Errorf("read subscription %s: %w", sub.ID, err)
	}
	playlist, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse subscription %s: %w", sub.ID, err)
	}
	chs := ToChannels(playlist)

	s.logger.Debug("loaded channel list",
		"subscription", sub.ID,
		"host", target.Host,
		"tracks", len(playlist.Tracks),
		"channels", len(chs),
	)

	if s.cache != nil {
		s.cache.Set(sub.URL, chs)
	}
	return chs, nil
}

// Forget drops the cached channel list for url.
func (s *Service) Forget(url string) {
	if s.cache != nil {
		s.cache.Invalidate(url)
	}
}
