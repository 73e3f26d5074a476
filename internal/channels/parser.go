// Package channels turns subscription M3U lists into channel listings.
package channels

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grafana/regexp"
	"github.com/jamesnetherton/m3u"

	"m3u-proxy-go/internal/model"
)

// UnnamedChannel is the display name of tracks without a title.
const UnnamedChannel = "Unnamed channel"

const maxLineBytes = 1024 * 1024

var attrPattern = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// Parse reads an extended M3U list. Every #EXTINF line opens a track that
// is completed by the next non-comment line. Anything else is ignored, so
// lists without the #EXTM3U header are accepted.
func Parse(r io.Reader) (m3u.Playlist, error) {
	var (
		playlist m3u.Playlist
		pending  *m3u.Track
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			t := parseExtinf(strings.TrimPrefix(line, "#EXTINF:"))
			pending = &t
		case line == "" || strings.HasPrefix(line, "#"):
		case pending != nil:
			pending.URI = line
			playlist.Tracks = append(playlist.Tracks, *pending)
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return m3u.Playlist{}, fmt.Errorf("read m3u: %w", err)
	}
	return playlist, nil
}

// parseExtinf parses `<length> key="value" ...,<name>`.
func parseExtinf(info string) m3u.Track {
	attrs, name, found := cutOutsideQuotes(info, ',')
	if !found {
		attrs, name = "", info
	}

	t := m3u.Track{Name: strings.TrimSpace(name)}
	if fields := strings.Fields(attrs); len(fields) > 0 {
		if f, err := strconv.ParseFloat(fields[0], 64); err == nil {
			t.Length = int(f)
		}
	}
	for _, m := range attrPattern.FindAllStringSubmatch(attrs, -1) {
		t.Tags = append(t.Tags, m3u.Tag{Name: m[1], Value: m[2]})
	}
	return t
}

func cutOutsideQuotes(s string, sep byte) (before, after string, found bool) {
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				return s[:i], s[i+1:], true
			}
		}
	}
	return s, "", false
}

// ToChannels converts parsed tracks into channels. Tracks whose URI is not
// an absolute URL are skipped.
func ToChannels(p m3u.Playlist) []model.Channel {
	out := make([]model.Channel, 0, len(p.Tracks))
	for _, t := range p.Tracks {
		if !strings.Contains(t.URI, "://") {
			continue
		}
		name := t.Name
		if name == "" {
			name = UnnamedChannel
		}
		out = append(out, model.Channel{
			ID:    channelID(len(out), t.URI),
			Name:  name,
			URL:   t.URI,
			Logo:  tagValue(t.Tags, "tvg-logo"),
			Group: tagValue(t.Tags, "group-title"),
		})
	}
	return out
}

func channelID(n int, uri string) string {
	suffix := uri
	if len(suffix) > 10 {
		suffix = suffix[len(suffix)-10:]
	}
	return "ch_" + strconv.Itoa(n) + "_" + suffix
}

func tagValue(tags []m3u.Tag, name string) string {
	for _, tag := range tags {
		if strings.EqualFold(tag.Name, name) {
			return tag.Value
		}
	}
	return ""
}
