// Package client provides the origin HTTP client used by the forwarding proxy.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/model"
)

// ErrUpstreamTimeout is the cancellation cause recorded when the origin does
// not deliver response headers within the configured timeout.
var ErrUpstreamTimeout = errors.New("upstream timed out")

const defaultTimeout = 20 * time.Second

// OriginClient fetches resources from arbitrary http(s) origins.
type OriginClient struct {
	httpClient *http.Client
	timeout    time.Duration
	limiter    ratelimit.Limiter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Bodies are relayed byte-for-byte; transparent gzip would break
		// Content-Length and Content-Range.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := ratelimit.NewUnlimited()
	if rps := cfg.Upstream.RequestsPerSecond; rps > 0 {
		limiter = ratelimit.New(rps)
	}

	return &OriginClient{
		// No http.Client.Timeout: it would also cut off long segment bodies.
		// Fetch bounds the wait for response headers instead.
		httpClient: &http.Client{Transport: transport},
		timeout:    timeout,
		limiter:    limiter,
		logger:     logger.With("component", "origin_client"),
		metrics:    m,
	}
}

// Timeout returns the upper bound on waiting for origin response headers.
func (c *OriginClient) Timeout() time.Duration {
	return c.timeout
}

// Fetch issues method against target and returns once response headers arrive.
// The caller is responsible for closing the response body.
//
// A timer armed for the client timeout cancels the request when it fires; the
// returned error then wraps ErrUpstreamTimeout. Once headers are received the
// timer is disarmed so the body may stream for as long as it needs. Canceling
// ctx (e.g. the inbound client disconnects) also cancels the origin request.
func (c *OriginClient) Fetch(ctx context.Context, method, target string, header http.Header) (*model.OriginResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(c.timeout, func() { cancel(ErrUpstreamTimeout) })

	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		timer.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	if header != nil {
		req.Header = header
	}

	c.limiter.Take()

	c.logger.Debug("origin request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via OriginResponse
	stopped := timer.Stop()
	duration := time.Since(start).Seconds()
	method = metrics.NormalizeMethod(req.Method)

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		cause := context.Cause(ctx)
		cancel(nil)
		if errors.Is(cause, ErrUpstreamTimeout) {
			return nil, fmt.Errorf("origin request: %w: %w", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}

	if !stopped {
		// The timer fired after headers arrived but before it could be
		// disarmed; the body is already canceled.
		_ = resp.Body.Close()
		cancel(nil)
		return nil, fmt.Errorf("origin request: %w", ErrUpstreamTimeout)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.OriginResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       &releasingBody{ReadCloser: resp.Body, release: func() { cancel(nil) }},
	}, nil
}

// releasingBody releases the request's cancellation token when closed.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
