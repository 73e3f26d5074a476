package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"m3u-proxy-go/internal/client"
	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/manifest"
	"m3u-proxy-go/internal/metrics"
	"m3u-proxy-go/internal/model"
)

const testEndpoint = "https://proxy.example/api/proxy"

func newTestService(t *testing.T, mutate func(*config.Config)) *ProxyService {
	t.Helper()
	on := true
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			UserAgent:       "test-agent",
			SendReferer:     &on,
		},
		Proxy: config.ProxyConfig{
			MaxPlaylistBytes: 1024 * 1024,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProxyService(client.NewOriginClient(cfg, logger, nil), cfg, logger)
}

func forward(t *testing.T, s *ProxyService, pr *model.ProxyRequest) (*Response, []byte) {
	t.Helper()
	if pr.Ctx == nil {
		pr.Ctx = context.Background()
	}
	if pr.ProxyEndpoint == "" {
		pr.ProxyEndpoint = testEndpoint
	}
	resp, err := s.Forward(pr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, body
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{"https", "https://host/path/playlist.m3u8", "https://host/path/playlist.m3u8", nil},
		{"http with query", "http://host:8080/live?token=abc", "http://host:8080/live?token=abc", nil},
		{"uppercase scheme", "HTTPS://host/a.ts", "https://host/a.ts", nil},
		{"surrounding space", "  https://host/a.ts ", "https://host/a.ts", nil},
		{"double encoded", "https%3A%2F%2Fhost%2Fa.m3u8", "https://host/a.m3u8", nil},
		{"empty", "", "", ErrMissingTarget},
		{"blank", "   ", "", ErrMissingTarget},
		{"bad escape", "https%3A%2F%zzhost", "", ErrInvalidTarget},
		{"ftp scheme", "ftp://host/file", "", ErrInvalidTarget},
		{"file scheme", "file:///etc/passwd", "", ErrInvalidTarget},
		{"relative", "/path/a.ts", "", ErrInvalidTarget},
		{"no host", "http://", "", ErrInvalidTarget},
		{"control char", "http://host/\x7f", "", ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseTarget(%q) error = %v, want %v", tt.raw, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTarget(%q) error = %v", tt.raw, err)
			}
			if got.String() != tt.want {
				t.Errorf("ParseTarget(%q) = %q, want %q", tt.raw, got.String(), tt.want)
			}
		})
	}
}

func TestOutboundHeader(t *testing.T) {
	s := newTestService(t, nil)
	target, _ := url.Parse("https://cdn.example:8443/live/index.m3u8?token=x")

	h := s.outboundHeader(target, "bytes=100-199")

	tests := []struct {
		key  string
		want string
	}{
		{"Range", "bytes=100-199"},
		{"User-Agent", "test-agent"},
		{"Referer", "https://cdn.example:8443/"},
		{"Accept", "*/*"},
	}
	for _, tt := range tests {
		if got := h.Get(tt.key); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestOutboundHeader_NoRefererNoRange(t *testing.T) {
	s := newTestService(t, func(cfg *config.Config) {
		off := false
		cfg.Upstream.SendReferer = &off
	})
	target, _ := url.Parse("https://cdn.example/seg.ts")

	h := s.outboundHeader(target, "")

	if h.Get("Referer") != "" {
		t.Errorf("Referer = %q, want empty", h.Get("Referer"))
	}
	if _, ok := h["Range"]; ok {
		t.Error("Range header should be absent when the client sent none")
	}
}

func TestForward_InvalidTargetSkipsOrigin(t *testing.T) {
	called := false
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer origin.Close()

	s := newTestService(t, nil)

	for _, raw := range []string{"", "ftp://host/x", "not a url"} {
		_, err := s.Forward(&model.ProxyRequest{Ctx: context.Background(), Method: http.MethodGet, TargetURL: raw})
		if !errors.Is(err, ErrMissingTarget) && !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("Forward(%q) error = %v, want input error", raw, err)
		}
	}
	if called {
		t.Error("origin must not be contacted for invalid targets")
	}
}

func TestForward_Passthrough(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47, 0x00, 0xff, 0x10}, 1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Set-Cookie", "session=abc")
		w.Header().Set("Access-Control-Allow-Origin", "https://origin.example")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	s := newTestService(t, nil)
	resp, body := forward(t, s, &model.ProxyRequest{Method: http.MethodGet, TargetURL: origin.URL + "/seg0.ts"})

	if resp.Outcome != metrics.OutcomePassthrough {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, metrics.OutcomePassthrough)
	}
	if !bytes.Equal(body, payload) {
		t.Error("passthrough body differs from origin body")
	}

	tests := []struct {
		key  string
		want string
	}{
		{"Content-Type", "video/mp2t"},
		{"Content-Length", "4096"},
		{"ETag", `"v1"`},
		{"Set-Cookie", ""},
		{"Access-Control-Allow-Origin", ""},
	}
	for _, tt := range tests {
		if got := resp.Header.Get(tt.key); got != tt.want {
			t.Errorf("header %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestForward_RangeRequest(t *testing.T) {
	payload := []byte(strings.Repeat("x", 100))
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=100-199" {
			t.Errorf("origin Range = %q, want %q", got, "bytes=100-199")
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Content-Range", "bytes 100-199/5000")
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload)
	}))
	defer origin.Close()

	s := newTestService(t, nil)
	resp, body := forward(t, s, &model.ProxyRequest{
		Method:    http.MethodGet,
		TargetURL: origin.URL + "/seg.ts",
		Range:     "bytes=100-199",
	})

	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusPartialContent)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 100-199/5000" {
		t.Errorf("Content-Range = %q, want %q", got, "bytes 100-199/5000")
	}
	if got := resp.Header.Get("Content-Length"); got != "100" {
		t.Errorf("Content-Length = %q, want %q", got, "100")
	}
	if !bytes.Equal(body, payload) {
		t.Error("range body differs from origin body")
	}
}

func TestForward_RewritesPlaylist(t *testing.T) {
	playlist := "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:10,\nsegment1.ts\n#EXT-X-ENDLIST\n"

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegURL")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte(playlist))
	}))
	defer origin.Close()
	originURL := origin.URL

	s := newTestService(t, nil)
	resp, body := forward(t, s, &model.ProxyRequest{Method: http.MethodGet, TargetURL: originURL + "/path/playlist.m3u8"})

	if resp.Outcome != metrics.OutcomeRewritten {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, metrics.OutcomeRewritten)
	}
	if resp.Kind != manifest.KindMedia {
		t.Errorf("Kind = %q, want %q", resp.Kind, manifest.KindMedia)
	}

	wantSeg := testEndpoint + "?url=" + url.QueryEscape(originURL+"/path/segment1.ts")
	wantKey := `URI="` + testEndpoint + "?url=" + url.QueryEscape(originURL+"/path/key.bin") + `"`
	text := string(body)
	if !strings.Contains(text, "\n"+wantSeg+"\n") {
		t.Errorf("rewritten playlist missing %q:\n%s", wantSeg, text)
	}
	if !strings.Contains(text, "#EXT-X-KEY:METHOD=AES-128,"+wantKey) {
		t.Errorf("rewritten playlist missing key %q:\n%s", wantKey, text)
	}

	if got := resp.Header.Get("Content-Type"); got != "application/vnd.apple.mpegURL" {
		t.Errorf("Content-Type = %q, want origin content type", got)
	}
	if got, want := resp.Header.Get("Content-Length"), strconv.Itoa(len(body)); got != want {
		t.Errorf("Content-Length = %q, want %q", got, want)
	}
	if resp.Header.Get("ETag") != "" {
		t.Error("ETag of the original body must not be relayed with a rewritten playlist")
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", got, "no-cache")
	}
}

func TestForward_RewritesGzipPlaylist(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1\nlow.m3u8\n"))
	_ = zw.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-mpegurl")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer origin.Close()

	s := newTestService(t, nil)
	resp, body := forward(t, s, &model.ProxyRequest{Method: http.MethodGet, TargetURL: origin.URL + "/master.m3u8"})

	want := testEndpoint + "?url=" + url.QueryEscape(origin.URL+"/low.m3u8")
	if !strings.Contains(string(body), want) {
		t.Errorf("rewritten playlist missing %q:\n%s", want, body)
	}
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("Content-Encoding must be dropped once the playlist is decoded")
	}
	if resp.Kind != manifest.KindMaster {
		t.Errorf("Kind = %q, want %q", resp.Kind, manifest.KindMaster)
	}
}

func TestForward_OriginErrorRelayed(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("relative.ts\nforbidden"))
	}))
	defer origin.Close()

	s := newTestService(t, nil)
	resp, body := forward(t, s, &model.ProxyRequest{Method: http.MethodGet, TargetURL: origin.URL + "/list.m3u8"})

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if resp.Outcome != metrics.OutcomeOriginError {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, metrics.OutcomeOriginError)
	}
	if string(body) != "relative.ts\nforbidden" {
		t.Errorf("body = %q, want origin body unchanged", body)
	}
}

func TestForward_PlaylistTooLarge(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(strings.Repeat("seg.ts\n", 100)))
	}))
	defer origin.Close()

	s := newTestService(t, func(cfg *config.Config) {
		cfg.Proxy.MaxPlaylistBytes = 64
	})

	_, err := s.Forward(&model.ProxyRequest{
		Ctx:           context.Background(),
		Method:        http.MethodGet,
		TargetURL:     origin.URL + "/big.m3u8",
		ProxyEndpoint: testEndpoint,
	})
	if !errors.Is(err, ErrPlaylistTooLarge) {
		t.Fatalf("Forward() error = %v, want ErrPlaylistTooLarge", err)
	}
}

func TestForward_HeadPlaylist(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("origin method = %q, want HEAD", r.Method)
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Length", "512")
	}))
	defer origin.Close()

	s := newTestService(t, nil)
	resp, _ := forward(t, s, &model.ProxyRequest{Method: http.MethodHead, TargetURL: origin.URL + "/list.m3u8"})

	if resp.Header.Get("Content-Length") != "" {
		t.Error("HEAD on a playlist must not relay the pre-rewrite Content-Length")
	}
	if got := resp.Header.Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q, want playlist type", got)
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	s := newTestService(t, nil)

	_, err := s.Forward(&model.ProxyRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		TargetURL: "http://127.0.0.1:1/seg.ts",
	})
	if err == nil {
		t.Fatal("Forward() expected error, got nil")
	}
	if errors.Is(err, client.ErrUpstreamTimeout) {
		t.Errorf("Forward() error = %v, must not be a timeout", err)
	}
}

func TestPickHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"video/mp2t"},
		"Content-Range":     {"bytes 0-1/2"},
		"Transfer-Encoding": {"chunked"},
		"Set-Cookie":        {"a=b"},
	}

	dst := pickHeaders(src, passthroughHeaders)

	if len(dst) != 2 {
		t.Errorf("picked %d headers, want 2: %v", len(dst), dst)
	}
	if dst.Get("Set-Cookie") != "" || dst.Get("Transfer-Encoding") != "" {
		t.Error("non-allow-listed headers must be dropped")
	}
}

