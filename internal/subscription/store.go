// Package subscription stores the M3U subscriptions of the web client.
package subscription

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"m3u-proxy-go/internal/config"
	"m3u-proxy-go/internal/model"
)

var (
	// ErrNotFound is returned when no subscription has the requested id.
	ErrNotFound = errors.New("subscription not found")
	// ErrDuplicate is returned when the url is already subscribed.
	ErrDuplicate = errors.New("subscription url already exists")
	// ErrInvalidURL is returned when the url is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid or missing url, must be a valid http or https url")
)

// Store keeps user subscriptions in memory and mirrors them to a JSON file.
// Fixed subscriptions come from configuration and are never written.
type Store struct {
	path  string
	subs  *xsync.MapOf[string, model.Subscription]
	fixed []model.Subscription
	mu    sync.Mutex // serialises mutations and file writes
	now   func() time.Time

	logger *slog.Logger
}

// NewStore loads the data file configured in cfg. A missing file is an
// empty store; a corrupt one is logged and replaced on the next write.
func NewStore(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	s := &Store{
		path:   cfg.Subscriptions.DataFile,
		subs:   xsync.NewMapOf[string, model.Subscription](),
		now:    time.Now,
		logger: logger.With("component", "subscriptions"),
	}

	for _, f := range cfg.Subscriptions.Fixed {
		s.fixed = append(s.fixed, model.Subscription{
			ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte(f.URL)).String(),
			Name:  defaultName(f.Name, f.URL),
			URL:   f.URL,
			Fixed: true,
		})
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read subscriptions: %w", err)
	}

	var list []model.Subscription
	if err := json.Unmarshal(data, &list); err != nil {
		s.logger.Warn("subscriptions file is corrupt, starting empty",
			"path", s.path,
			"error", err,
		)
		return nil
	}
	for _, sub := range list {
		if sub.ID == "" || sub.URL == "" {
			continue
		}
		sub.Fixed = false
		if sub.Name == "" {
			sub.Name = defaultName("", sub.URL)
		}
		s.subs.Store(sub.ID, sub)
	}
	s.logger.Info("loaded subscriptions", "path", s.path, "count", s.subs.Size())
	return nil
}

// List returns the user subscriptions in creation order.
func (s *Store) List() []model.Subscription {
	out := make([]model.Subscription, 0, s.subs.Size())
	s.subs.Range(func(_ string, sub model.Subscription) bool {
		out = append(out, sub)
		return true
	})
	slices.SortFunc(out, func(a, b model.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Fixed returns the configured default subscriptions.
func (s *Store) Fixed() []model.Subscription {
	return slices.Clone(s.fixed)
}

// Len returns the number of user subscriptions.
func (s *Store) Len() int {
	return s.subs.Size()
}

// Get looks up a user or fixed subscription by id.
func (s *Store) Get(id string) (model.Subscription, error) {
	if sub, ok := s.subs.Load(id); ok {
		return sub, nil
	}
	for _, sub := range s.fixed {
		if sub.ID == id {
			return sub, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

// Add validates rawURL, assigns an id and persists the new subscription.
// An empty name is derived from the URL.
func (s *Store) Add(name, rawURL string) (model.Subscription, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !validURL(rawURL) {
		return model.Subscription{}, ErrInvalidURL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasURL(rawURL) {
		return model.Subscription{}, ErrDuplicate
	}

	sub := model.Subscription{
		ID:        uuid.NewString(),
		Name:      defaultName(strings.TrimSpace(name), rawURL),
		URL:       rawURL,
		CreatedAt: s.now().UTC(),
	}
	s.subs.Store(sub.ID, sub)
	if err := s.persist(); err != nil {
		s.subs.Delete(sub.ID)
		return model.Subscription{}, err
	}

	s.logger.Info("added subscription", "id", sub.ID, "name", sub.Name)
	return sub, nil
}

// Remove deletes the user subscription id and returns it.
func (s *Store) Remove(id string) (model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs.LoadAndDelete(id)
	if !ok {
		return model.Subscription{}, ErrNotFound
	}
	if err := s.persist(); err != nil {
		s.subs.Store(id, sub)
		return model.Subscription{}, err
	}

	s.logger.Info("removed subscription", "id", id)
	return sub, nil
}

func (s *Store) hasURL(u string) bool {
	for _, sub := range s.fixed {
		if sub.URL == u {
			return true
		}
	}
	dup := false
	s.subs.Range(func(_ string, sub model.Subscription) bool {
		dup = sub.URL == u
		return !dup
	})
	return dup
}

// persist writes the store atomically. Callers hold s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.List(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".subscriptions-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write subscriptions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace subscriptions file: %w", err)
	}
	return nil
}

func validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// defaultName returns name, or the last path segment of rawURL, or its host.
func defaultName(name, rawURL string) string {
	if name != "" {
		return name
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		return base
	}
	return u.Host
}
