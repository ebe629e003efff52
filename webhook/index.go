package webhook

import (
	"context"
	"sync"
	"time"
)

// DefaultIndexTTL bounds how long a resolved subscription list is reused.
const DefaultIndexTTL = 30 * time.Second

// Index caches the webhooks subscribed to each (workspace, event type).
// Webhook changes made through Service invalidate the workspace; the TTL
// covers changes made by other processes.
type Index struct {
	store Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]map[string]indexEntry
	// gen counts invalidations per workspace and epoch counts resets. A
	// load that straddles either is returned but not cached.
	gen   map[string]uint64
	epoch uint64
}

type indexEntry struct {
	hooks    []*Webhook
	loadedAt time.Time
}

// NewIndex returns an index over store. A non-positive ttl uses DefaultIndexTTL.
func NewIndex(store Store, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return &Index{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]indexEntry),
		gen:     make(map[string]uint64),
	}
}

// Resolve returns copies of the active webhooks whose patterns match eventType.
func (x *Index) Resolve(ctx context.Context, workspaceID, eventType string) ([]*Webhook, error) {
	now := x.now()

	x.mu.RLock()
	e, ok := x.entries[workspaceID][eventType]
	gen, epoch := x.gen[workspaceID], x.epoch
	x.mu.RUnlock()
	if ok && now.Sub(e.loadedAt) < x.ttl {
		return cloneAll(e.hooks), nil
	}

	hooks, err := x.store.ResolveActive(ctx, workspaceID, eventType)
	if err != nil {
		return nil, err
	}

	x.mu.Lock()
	if x.gen[workspaceID] == gen && x.epoch == epoch {
		byKind, ok := x.entries[workspaceID]
		if !ok {
			byKind = make(map[string]indexEntry)
			x.entries[workspaceID] = byKind
		}
		byKind[eventType] = indexEntry{hooks: cloneAll(hooks), loadedAt: now}
	}
	x.mu.Unlock()

	return hooks, nil
}

// Invalidate drops every cached entry for a workspace.
func (x *Index) Invalidate(workspaceID string) {
	x.mu.Lock()
	delete(x.entries, workspaceID)
	x.gen[workspaceID]++
	x.mu.Unlock()
}

// Reset drops the whole cache.
func (x *Index) Reset() {
	x.mu.Lock()
	x.entries = make(map[string]map[string]indexEntry)
	x.gen = make(map[string]uint64)
	x.epoch++
	x.mu.Unlock()
}

func cloneAll(hooks []*Webhook) []*Webhook {
	out := make([]*Webhook, len(hooks))
	for i, h := range hooks {
		out[i] = h.Clone()
	}
	return out
}
