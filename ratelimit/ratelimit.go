// Package ratelimit enforces per-webhook delivery quotas over fixed windows.
//
// A window opens on the first request for a key and lasts Window. Requests
// beyond the limit inside the window are denied until it elapses, at which
// point the count starts over.
package ratelimit

import (
	"context"
	"time"
)

// DefaultWindow is the quota period used when none is configured.
const DefaultWindow = time.Minute

// DefaultLimit is the per-window quota for webhooks that do not set one.
const DefaultLimit = 60

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// State is a snapshot of a key's current window.
type State struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	ResetAt     time.Time `json:"reset_at"`
}

// Limiter is implemented by the in-memory and Redis limiters.
type Limiter interface {
	// Allow consumes one unit of key's quota when available.
	Allow(ctx context.Context, key string, limit int) (Decision, error)

	// Peek reports whether a request would be allowed without consuming quota.
	Peek(ctx context.Context, key string, limit int) (Decision, error)

	// Reset drops any window state held for key.
	Reset(ctx context.Context, key string) error
}

func unlimited() Decision {
	return Decision{Allowed: true, Remaining: -1}
}
