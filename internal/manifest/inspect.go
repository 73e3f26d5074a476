package manifest

import (
	"strings"

	"github.com/grafov/m3u8"
)

// Kind is the playlist kind reported by Inspect.
type Kind string

const (
	KindMaster  Kind = "master"
	KindMedia   Kind = "media"
	KindUnknown Kind = "unknown"
)

// Inspect reports whether text is a master or a media playlist. It is used
// for logging and metrics only and never influences the rewrite.
func Inspect(text string) (kind Kind) {
	// grafov/m3u8 can panic on malformed attribute lists.
	defer func() {
		if recover() != nil {
			kind = KindUnknown
		}
	}()

	_, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return KindUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return KindMaster
	case m3u8.MEDIA:
		return KindMedia
	default:
		return KindUnknown
	}
}
