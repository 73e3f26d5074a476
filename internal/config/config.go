// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/m3u-proxy/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent to origins unless upstream.user_agent overrides it.
// Many IPTV origins reject requests that do not look like a browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config         string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host           string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port           int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL      string `kong:"help='Externally visible proxy endpoint URL (overrides config).',env='PUBLIC_URL'"`
	TimeoutSeconds int    `kong:"help='Origin fetch timeout in seconds (overrides config).',env='UPSTREAM_TIMEOUT'"`
	LogLevel       string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Upstream      UpstreamConfig      `toml:"upstream"`
	Proxy         ProxyConfig         `toml:"proxy"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Channels      ChannelsConfig      `toml:"channels"`
	Log           LogConfig           `toml:"log"`
	Metrics       MetricsConfig       `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig controls the cross-origin headers attached to every response.
// An empty list or a list containing "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// UpstreamConfig holds origin connection settings.
type UpstreamConfig struct {
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	IdleConnections   int    `toml:"idle_connections"`
	UserAgent         string `toml:"user_agent"`
	SendReferer       *bool  `toml:"send_referer"` // nil means "use default" (true)
	RequestsPerSecond int    `toml:"requests_per_second"`
}

// ProxyConfig holds settings of the forwarding proxy endpoint.
type ProxyConfig struct {
	Path                 string   `toml:"path"`
	PublicURL            string   `toml:"public_url"`
	MaxPlaylistBytes     int64    `toml:"max_playlist_bytes"`
	PlaylistContentTypes []string `toml:"playlist_content_types"`
	RewriteURITags       []string `toml:"rewrite_uri_tags"`
}

// SubscriptionsConfig holds subscription store settings and the fixed
// subscriptions offered to every user.
type SubscriptionsConfig struct {
	DataFile string              `toml:"data_file"`
	Fixed    []FixedSubscription `toml:"fixed"`
}

// FixedSubscription is a default subscription injected at startup.
type FixedSubscription struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// ChannelsConfig holds channel-list lookup settings.
type ChannelsConfig struct {
	CacheTTLSeconds *int `toml:"cache_ttl_seconds"` // nil means "use default" (60); 0 disables caching
	CacheSize       int  `toml:"cache_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// uriTags lists the playlist tags whose URI attribute may be rewritten.
var uriTags = map[string]bool{
	"EXT-X-KEY":                true,
	"EXT-X-SESSION-KEY":        true,
	"EXT-X-MAP":                true,
	"EXT-X-MEDIA":              true,
	"EXT-X-I-FRAME-STREAM-INF": true,
}

// reservedRoutes are paths owned by the API and health handlers.
var reservedRoutes = []string{"/api/subscriptions", "/api/fixed-subscriptions", "/api/status", "/healthz"}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/m3u-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults if neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.PublicURL != "" {
		c.Proxy.PublicURL = cli.PublicURL
	}
	if cli.TimeoutSeconds != 0 {
		c.Upstream.TimeoutSeconds = cli.TimeoutSeconds
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.RequestsPerSecond < 0 {
		return fmt.Errorf("upstream.requests_per_second must be non-negative; got %d", c.Upstream.RequestsPerSecond)
	}
	if c.Proxy.MaxPlaylistBytes < 0 {
		return fmt.Errorf("proxy.max_playlist_bytes must be non-negative; got %d", c.Proxy.MaxPlaylistBytes)
	}
	if ttl := c.Channels.CacheTTLSeconds; ttl != nil && *ttl < 0 {
		return fmt.Errorf("channels.cache_ttl_seconds must be non-negative; got %d", *ttl)
	}
	if c.Channels.CacheSize < 0 {
		return fmt.Errorf("channels.cache_size must be non-negative; got %d", c.Channels.CacheSize)
	}

	// Proxy endpoint.
	if p := c.Proxy.Path; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("proxy.path must start with '/'; got %q", p)
		}
		if err := checkReserved("proxy.path", p); err != nil {
			return err
		}
	}
	if c.Proxy.PublicURL != "" {
		if err := checkHTTPURL(c.Proxy.PublicURL); err != nil {
			return fmt.Errorf("proxy.public_url: %w", err)
		}
	}
	for _, tag := range c.Proxy.RewriteURITags {
		if !uriTags[strings.ToUpper(strings.TrimPrefix(tag, "#"))] {
			return fmt.Errorf("proxy.rewrite_uri_tags: unsupported tag %q", tag)
		}
	}
	for _, ct := range c.Proxy.PlaylistContentTypes {
		if strings.TrimSpace(ct) == "" {
			return fmt.Errorf("proxy.playlist_content_types must not contain empty entries")
		}
	}

	// Fixed subscriptions.
	for i, sub := range c.Subscriptions.Fixed {
		if err := checkHTTPURL(sub.URL); err != nil {
			return fmt.Errorf("subscriptions.fixed[%d].url: %w", i, err)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if err := checkReserved("metrics.path", p); err != nil {
			return err
		}
		if proxyPath := c.Proxy.Path; p == proxyPath || (proxyPath == "" && p == "/api/proxy") {
			return fmt.Errorf("metrics.path %q conflicts with proxy.path", p)
		}
	}

	return nil
}

func checkReserved(field, p string) error {
	for _, reserved := range reservedRoutes {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("%s %q conflicts with reserved route %q", field, p, reserved)
		}
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("must be an absolute http(s) URL; got %q", raw)
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if len(c.Server.CORS.AllowedOrigins) == 0 {
		c.Server.CORS.AllowedOrigins = []string{"*"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 20
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.Upstream.SendReferer == nil {
		on := true
		c.Upstream.SendReferer = &on
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/api/proxy"
	}
	if c.Proxy.MaxPlaylistBytes == 0 {
		c.Proxy.MaxPlaylistBytes = 8 * 1024 * 1024 // 8 MB
	}
	if len(c.Proxy.RewriteURITags) == 0 {
		c.Proxy.RewriteURITags = []string{"EXT-X-KEY"}
	}
	if c.Subscriptions.DataFile == "" {
		c.Subscriptions.DataFile = "data/subscriptions.json"
	}
	if c.Channels.CacheTTLSeconds == nil {
		ttl := 60
		c.Channels.CacheTTLSeconds = &ttl
	}
	if c.Channels.CacheSize == 0 {
		c.Channels.CacheSize = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// FilePath returns the config file that was loaded, or empty when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// Referer reports whether a Referer derived from the target should be sent.
func (c *UpstreamConfig) Referer() bool {
	return c.SendReferer == nil || *c.SendReferer
}

// CacheTTL returns the channel cache TTL in seconds; 0 disables caching.
func (c *ChannelsConfig) CacheTTL() int {
	if c.CacheTTLSeconds == nil {
		return 60
	}
	return *c.CacheTTLSeconds
}
