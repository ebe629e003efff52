package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Window is an in-process fixed-window limiter. Each key owns its own
// lock so unrelated webhooks never contend.
type Window struct {
	window   time.Duration
	now      func() time.Time
	counters *xsync.MapOf[string, *counter]
}

type counter struct {
	mu    sync.Mutex
	start time.Time
	count int
	limit int
}

// Option configures a Window.
type Option func(*Window)

// WithWindow sets the quota period.
func WithWindow(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.window = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		if now != nil {
			w.now = now
		}
	}
}

// New creates an in-memory fixed-window limiter.
func New(opts ...Option) *Window {
	w := &Window{
		window:   DefaultWindow,
		now:      time.Now,
		counters: xsync.NewMapOf[string, *counter](),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

var _ Limiter = (*Window)(nil)

// Allow consumes one unit of quota for key. A limit of 0 or less means unlimited.
func (w *Window) Allow(_ context.Context, key string, limit int) (Decision, error) {
	return w.evaluate(key, limit, true), nil
}

// Peek reports whether a request would be allowed without consuming quota.
func (w *Window) Peek(_ context.Context, key string, limit int) (Decision, error) {
	return w.evaluate(key, limit, false), nil
}

// Reset drops the window state for key.
func (w *Window) Reset(_ context.Context, key string) error {
	w.counters.Delete(key)
	return nil
}

// ResetTime returns when key's current window ends, or the zero time when
// no window is open.
func (w *Window) ResetTime(key string) time.Time {
	st, ok := w.State(key)
	if !ok {
		return time.Time{}
	}
	return st.ResetAt
}

// State returns a snapshot of key's window.
func (w *Window) State(key string) (State, bool) {
	c, ok := w.counters.Load(key)
	if !ok {
		return State{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.start.IsZero() || !w.now().Before(c.start.Add(w.window)) {
		return State{}, false
	}
	return State{
		WindowStart: c.start,
		Count:       c.count,
		Limit:       c.limit,
		ResetAt:     c.start.Add(w.window),
	}, true
}

func (w *Window) evaluate(key string, limit int, consume bool) Decision {
	if limit <= 0 {
		return unlimited()
	}

	c, _ := w.counters.LoadOrCompute(key, func() *counter { return &counter{} })
	c.mu.Lock()
	defer c.mu.Unlock()

	now := w.now()
	if c.start.IsZero() || !now.Before(c.start.Add(w.window)) {
		c.start = now
		c.count = 0
	}
	c.limit = limit
	resetAt := c.start.Add(w.window)

	if c.count >= limit {
		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}
	}

	if consume {
		c.count++
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - c.count,
		ResetAt:   resetAt,
	}
}
