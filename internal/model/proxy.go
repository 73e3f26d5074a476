// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ProxyRequest represents a client request to be forwarded to an origin.
type ProxyRequest struct {
	Ctx       context.Context
	Method    string
	TargetURL string
	Range     string
	// ProxyEndpoint is the externally visible proxy URL used as the prefix
	// of rewritten playlist references.
	ProxyEndpoint string
}

// OriginResponse represents the origin response to be relayed back.
// Body must be consumed once and closed by the caller.
type OriginResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Subscription is a remote M3U playlist a user subscribed to.
type Subscription struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Fixed     bool      `json:"fixed,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Channel is one playable entry of a subscription's M3U list.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Logo  string `json:"logo,omitempty"`
	Group string `json:"group,omitempty"`
}
