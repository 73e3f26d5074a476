package manifest

import (
	"net/url"
	"strings"

	"github.com/grafana/regexp"
)

// uriAttrPattern matches a quoted URI attribute of a tag's attribute list.
var uriAttrPattern = regexp.MustCompile(`(?:^|[:,])\s*URI="([^"]+)"`)

// DefaultURITags are the tags whose URI attribute is rewritten by default.
var DefaultURITags = []string{"EXT-X-KEY"}

// RewriteContext carries what a single rewrite needs.
type RewriteContext struct {
	// Base is the playlist's own fetch URL; references resolve against it.
	Base *url.URL
	// ProxyEndpoint is the externally visible proxy URL, e.g.
	// "https://tv.example/api/proxy".
	ProxyEndpoint string
}

// Rewriter rewrites playlist text line by line.
type Rewriter struct {
	tagPrefixes []string
}

// NewRewriter returns a Rewriter that, besides plain URI lines, rewrites the
// URI attribute of the given tags (with or without the leading '#').
// An empty list selects DefaultURITags.
func NewRewriter(tags []string) *Rewriter {
	if len(tags) == 0 {
		tags = DefaultURITags
	}
	prefixes := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		prefixes = append(prefixes, "#"+tag+":")
	}
	return &Rewriter{tagPrefixes: prefixes}
}

// Rewrite rewrites text with the default tag set.
func Rewrite(text string, rc RewriteContext) string {
	return NewRewriter(nil).Rewrite(text, rc)
}

// Rewrite returns text with every http(s) reference replaced by a proxy URL.
//
// Lines are processed independently and joined back with "\n". A reference
// that fails to parse or resolves to another scheme leaves its line as is;
// one bad line never aborts the rewrite. Master and media playlists are
// handled alike, since variant playlists come back through the proxy too.
func (r *Rewriter) Rewrite(text string, rc RewriteContext) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = r.rewriteLine(line, rc)
	}
	return strings.Join(lines, "\n")
}

func (r *Rewriter) rewriteLine(line string, rc RewriteContext) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return line
	}

	if !strings.HasPrefix(trimmed, "#") {
		resolved, ok := resolve(rc.Base, trimmed)
		if !ok {
			return line
		}
		return proxied(rc.ProxyEndpoint, resolved)
	}

	if !r.hasURITag(trimmed) {
		return line
	}
	loc := uriAttrPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return line
	}
	start, end := loc[2], loc[3]
	resolved, ok := resolve(rc.Base, line[start:end])
	if !ok {
		return line
	}
	return line[:start] + proxied(rc.ProxyEndpoint, resolved) + line[end:]
}

func (r *Rewriter) hasURITag(trimmed string) bool {
	upper := strings.ToUpper(trimmed)
	for _, p := range r.tagPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// resolve resolves ref against base the way a browser resolves an href.
// It reports false unless the result is an absolute http(s) URL.
func resolve(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	return u.String(), true
}

// proxied wraps target in endpoint's url query parameter.
func proxied(endpoint, target string) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "url=" + url.QueryEscape(target)
}
