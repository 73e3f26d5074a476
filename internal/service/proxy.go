// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"m3u-proxy-go/internal/client"
	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/manifest"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/model"
)

var (
	// ErrMissingTarget is returned when the request carries no target URL.
	ErrMissingTarget = errors.New(`missing "url" query parameter`)
	// ErrInvalidTarget is returned when the target is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New(`invalid "url" query parameter`)
	// ErrPlaylistTooLarge is returned when a playlist exceeds proxy.max_playlist_bytes.
	ErrPlaylistTooLarge = errors.New("upstream playlist too large")
)

// passthroughHeaders are the origin headers relayed with binary payloads.
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Content-Encoding",
	"Accept-Ranges",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Expires",
}

// playlistHeaders are the origin headers relayed with a rewritten playlist.
// Length and validators describe the original body and are dropped.
var playlistHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Expires",
}

// originErrorHeaders are the origin headers relayed with a non-2xx response.
var originErrorHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Retry-After",
}

// Response is the outcome of forwarding a ProxyRequest.
type Response struct {
	*model.OriginResponse

	// Outcome is one of the metrics.Outcome* values.
	Outcome string
	// Kind is set when the body is a rewritten playlist.
	Kind manifest.Kind
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client      *client.OriginClient
	classifier  *manifest.Classifier
	rewriter    *manifest.Rewriter
	userAgent   string
	sendReferer bool
	maxPlaylist int64
	logger      *slog.Logger
}

// defaultMaxPlaylistBytes applies when proxy.max_playlist_bytes is unset.
const defaultMaxPlaylistBytes = 8 * 1024 * 1024

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.OriginClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	maxPlaylist := cfg.Proxy.MaxPlaylistBytes
	if maxPlaylist <= 0 {
		maxPlaylist = defaultMaxPlaylistBytes
	}
	return &ProxyService{
		client:      c,
		classifier:  manifest.NewClassifier(cfg.Proxy.PlaylistContentTypes),
		rewriter:    manifest.NewRewriter(cfg.Proxy.RewriteURITags),
		userAgent:   cfg.Upstream.UserAgent,
		sendReferer: cfg.Upstream.Referer(),
		maxPlaylist: maxPlaylist,
		logger:      logger.With("component", "proxy_service"),
	}
}

// ParseTarget validates a target URL taken from the url query parameter,
// which has already been percent-decoded once. A value that still looks
// percent-encoded (clients that double-encode) is decoded once more.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingTarget
	}
	if !strings.Contains(raw, "://") && strings.Contains(raw, "%") {
		decoded, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
		raw = decoded
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidTarget)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is empty", ErrInvalidTarget)
	}
	return u, nil
}

// Forward validates pr, fetches the target and prepares the response body:
// a rewritten playlist for HLS playlists, the untouched origin stream for
// everything else. The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*Response, error) {
	target, err := ParseTarget(pr.TargetURL)
	if err != nil {
		return nil, err
	}

	method := pr.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := s.Fetch(pr.Ctx, method, target, pr.Range)
	if err != nil {
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("origin returned error status",
			"host", target.Host,
			"status", resp.StatusCode,
		)
		resp.Header = pickHeaders(resp.Header, originErrorHeaders)
		return &Response{OriginResponse: resp, Outcome: metrics.OutcomeOriginError}, nil
	}

	if !s.classifier.IsPlaylist(resp.Header.Get("Content-Type")) {
		resp.Header = pickHeaders(resp.Header, passthroughHeaders)
		return &Response{OriginResponse: resp, Outcome: metrics.OutcomePassthrough}, nil
	}

	if method == http.MethodHead {
		resp.Header = pickHeaders(resp.Header, playlistHeaders)
		return &Response{OriginResponse: resp, Outcome: metrics.OutcomeRewritten, Kind: manifest.KindUnknown}, nil
	}

	return s.rewrite(resp, target, pr.ProxyEndpoint)
}

// Fetch requests target from its origin with the proxy's outbound header
// policy. rangeHeader is forwarded verbatim when non-empty.
func (s *ProxyService) Fetch(ctx context.Context, method string, target *url.URL, rangeHeader string) (*model.OriginResponse, error) {
	return s.client.Fetch(ctx, method, target.String(), s.outboundHeader(target, rangeHeader))
}

// ReadText reads a playlist body, decoding gzip if the origin sent it
// compressed regardless of the request. Bodies over proxy.max_playlist_bytes
// yield ErrPlaylistTooLarge. The body is closed.
func (s *ProxyService) ReadText(resp *model.OriginResponse) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip playlist: %w", err)
		}
		defer func() { _ = zr.Close() }()
		body = zr
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxPlaylist+1))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if int64(len(data)) > s.maxPlaylist {
		return nil, ErrPlaylistTooLarge
	}
	return data, nil
}

func (s *ProxyService) rewrite(resp *model.OriginResponse, target *url.URL, endpoint string) (*Response, error) {
	header := pickHeaders(resp.Header, playlistHeaders)
	status := resp.StatusCode

	data, err := s.ReadText(resp)
	if err != nil {
		return nil, err
	}
	original := string(data)

	text := s.rewriter.Rewrite(original, manifest.RewriteContext{
		Base:          target,
		ProxyEndpoint: endpoint,
	})
	kind := manifest.Inspect(original)

	header.Set("Content-Length", strconv.Itoa(len(text)))

	s.logger.Debug("rewrote playlist",
		"host", target.Host,
		"kind", kind,
		"bytes_in", len(data),
		"bytes_out", len(text),
	)

	return &Response{
		OriginResponse: &model.OriginResponse{
			StatusCode: status,
			Header:     header,
			Body:       io.NopCloser(strings.NewReader(text)),
		},
		Outcome: metrics.OutcomeRewritten,
		Kind:    kind,
	}, nil
}

// outboundHeader builds the request headers sent to the origin. Many origins
// reject requests without a browser-like User-Agent or a same-site Referer.
func (s *ProxyService) outboundHeader(target *url.URL, rangeHeader string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "*/*")
	if s.userAgent != "" {
		h.Set("User-Agent", s.userAgent)
	}
	if s.sendReferer {
		h.Set("Referer", target.Scheme+"://"+target.Host+"/")
	}
	if rangeHeader != "" {
		h.Set("Range", rangeHeader)
	}
	return h
}

func pickHeaders(src http.Header, keys []string) http.Header {
	dst := make(http.Header)
	for _, key := range keys {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
