// Package manifest classifies and rewrites HLS playlists so that every
// reference they carry resolves back through the proxy.
package manifest

import "strings"

// DefaultPlaylistContentTypes are the Content-Type substrings recognised as
// HLS playlists. Matching is by case-insensitive substring because origins
// append parameters and mix capitalisation freely.
var DefaultPlaylistContentTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/mpegurl",
	"audio/x-mpegurl",
}

// Classifier decides whether an origin response is a playlist.
type Classifier struct {
	types []string
}

// NewClassifier returns a Classifier for the given content-type substrings.
// An empty list selects DefaultPlaylistContentTypes.
func NewClassifier(types []string) *Classifier {
	if len(types) == 0 {
		types = DefaultPlaylistContentTypes
	}
	lowered := make([]string, 0, len(types))
	for _, t := range types {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(t)))
	}
	return &Classifier{types: lowered}
}

// IsPlaylist reports whether contentType names an HLS playlist.
func (c *Classifier) IsPlaylist(contentType string) bool {
	if contentType == "" {
		return false
	}
	ct := strings.ToLower(contentType)
	for _, t := range c.types {
		if strings.Contains(ct, t) {
			return true
		}
	}
	return false
}
