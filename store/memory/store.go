// Package memory provides an in-memory Store implementation for unit testing.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	heraldstore "github.com/xraph/herald/store"
	"github.com/xraph/herald/webhook"
)

// compile-time interface check.
var _ heraldstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store for testing.
type Store struct {
	mu sync.RWMutex

	webhooks   map[string]*webhook.Webhook   // keyed by ID string
	deliveries map[string]*delivery.Delivery // keyed by ID string

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		webhooks:   make(map[string]*webhook.Webhook),
		deliveries: make(map[string]*delivery.Delivery),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is still open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return herald.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// webhook.Store
// ──────────────────────────────────────────────────

// CreateWebhook persists a new webhook.
func (s *Store) CreateWebhook(_ context.Context, wh *webhook.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[wh.ID.String()] = wh.Clone()
	return nil
}

// GetWebhook returns a webhook by ID.
func (s *Store) GetWebhook(_ context.Context, whID id.ID) (*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wh, ok := s.webhooks[whID.String()]
	if !ok {
		return nil, herald.ErrWebhookNotFound
	}
	return wh.Clone(), nil
}

// UpdateWebhook replaces an existing webhook.
func (s *Store) UpdateWebhook(_ context.Context, wh *webhook.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := wh.ID.String()
	if _, ok := s.webhooks[key]; !ok {
		return herald.ErrWebhookNotFound
	}
	s.webhooks[key] = wh.Clone()
	return nil
}

// DeleteWebhook removes a webhook.
func (s *Store) DeleteWebhook(_ context.Context, whID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := whID.String()
	if _, ok := s.webhooks[key]; !ok {
		return herald.ErrWebhookNotFound
	}
	delete(s.webhooks, key)
	return nil
}

// ListWebhooks returns a workspace's webhooks, oldest first.
func (s *Store) ListWebhooks(_ context.Context, workspaceID string, opts webhook.ListOpts) ([]*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*webhook.Webhook
	for _, wh := range s.webhooks {
		if wh.WorkspaceID != workspaceID {
			continue
		}
		if opts.Status != nil && wh.Status != *opts.Status {
			continue
		}
		result = append(result, wh.Clone())
	}
	sortWebhooks(result)
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ResolveActive returns the workspace's active webhooks subscribed to eventType.
func (s *Store) ResolveActive(_ context.Context, workspaceID, eventType string) ([]*webhook.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*webhook.Webhook
	for _, wh := range s.webhooks {
		if wh.WorkspaceID != workspaceID || wh.Status != webhook.StatusActive {
			continue
		}
		if wh.Subscribes(eventType) {
			result = append(result, wh.Clone())
		}
	}
	sortWebhooks(result)
	return result, nil
}

// RecordOutcome folds an attempt outcome into the webhook's success rate.
func (s *Store) RecordOutcome(_ context.Context, whID id.ID, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wh, ok := s.webhooks[whID.String()]
	if !ok {
		return herald.ErrWebhookNotFound
	}
	at = at.UTC()
	wh.SuccessRate = webhook.NextSuccessRate(wh.SuccessRate, success)
	wh.LastDeliveryAt = &at
	return nil
}

func sortWebhooks(hooks []*webhook.Webhook) {
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].CreatedAt.Equal(hooks[j].CreatedAt) {
			return hooks[i].ID.String() < hooks[j].ID.String()
		}
		return hooks[i].CreatedAt.Before(hooks[j].CreatedAt)
	})
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// CreateDelivery persists a new delivery.
func (s *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID.String()] = d.Clone()
	return nil
}

// CreateDeliveries persists a fan-out batch.
func (s *Store) CreateDeliveries(_ context.Context, ds []*delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range ds {
		s.deliveries[d.ID.String()] = d.Clone()
	}
	return nil
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(_ context.Context, delID id.ID) (*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, herald.ErrDeliveryNotFound
	}
	return d.Clone(), nil
}

// UpdateDelivery replaces a delivery unless the stored record is final.
func (s *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := d.ID.String()
	cur, ok := s.deliveries[key]
	if !ok {
		return herald.ErrDeliveryNotFound
	}
	if cur.State.Final() {
		return herald.ErrDeliveryImmutable
	}
	s.deliveries[key] = d.Clone()
	return nil
}

// Claim moves one claimable delivery to in_flight.
func (s *Store) Claim(_ context.Context, delID id.ID, now time.Time) (*delivery.Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return nil, false, herald.ErrDeliveryNotFound
	}
	if !d.State.Claimable() {
		return nil, false, nil
	}
	claim(d, now)
	return d.Clone(), true, nil
}

// ClaimDue moves due deliveries in state to in_flight, oldest first.
func (s *Store) ClaimDue(_ context.Context, state delivery.State, dueBefore, now time.Time, limit int) ([]*delivery.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*delivery.Delivery
	for _, d := range s.deliveries {
		if d.State == state && !d.DueAt().After(dueBefore) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DueAt().Before(due[j].DueAt())
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	result := make([]*delivery.Delivery, 0, len(due))
	for _, d := range due {
		claim(d, now)
		result = append(result, d.Clone())
	}
	return result, nil
}

func claim(d *delivery.Delivery, now time.Time) {
	d.State = delivery.StateInFlight
	d.NextRetryAt = nil
	d.Touch(now)
}

// CancelDelivery cancels a claimable delivery.
func (s *Store) CancelDelivery(_ context.Context, delID id.ID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[delID.String()]
	if !ok {
		return false, herald.ErrDeliveryNotFound
	}
	if !d.State.Claimable() {
		return false, nil
	}
	cancel(d, at)
	return true, nil
}

// CancelByWebhook cancels every claimable delivery of a webhook.
func (s *Store) CancelByWebhook(_ context.Context, whID id.ID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := whID.String()
	var n int64
	for _, d := range s.deliveries {
		if d.WebhookID.String() == key && d.State.Claimable() {
			cancel(d, at)
			n++
		}
	}
	return n, nil
}

func cancel(d *delivery.Delivery, at time.Time) {
	at = at.UTC()
	d.State = delivery.StateCancelled
	d.NextRetryAt = nil
	d.CancelledAt = &at
	d.CompletedAt = &at
	d.Touch(at)
}

// ListDeliveries returns deliveries newest first.
func (s *Store) ListDeliveries(_ context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*delivery.Delivery
	for _, d := range s.deliveries {
		if opts.Matches(d) {
			result = append(result, d.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() > result[j].ID.String()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// DeliveryStats aggregates deliveries matching filter.
func (s *Store) DeliveryStats(_ context.Context, filter delivery.StatsFilter) (*delivery.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &delivery.Stats{}
	for _, d := range s.deliveries {
		if filter.Matches(d) {
			stats.Accumulate(d)
		}
	}
	stats.Finish()
	return stats, nil
}

// QueueStats reports queued work as of now.
func (s *Store) QueueStats(_ context.Context, now time.Time) (*delivery.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qs := &delivery.QueueStats{ByState: make(map[delivery.State]int64)}
	for _, d := range s.deliveries {
		qs.ByState[d.State]++
		if !d.State.Claimable() {
			continue
		}
		if !d.DueAt().After(now) {
			qs.Due++
		}
		if d.State == delivery.StatePending && (qs.OldestPending == nil || d.CreatedAt.Before(*qs.OldestPending)) {
			t := d.CreatedAt
			qs.OldestPending = &t
		}
	}
	return qs, nil
}

// ReleaseStale returns long-running in_flight deliveries to retrying.
func (s *Store) ReleaseStale(_ context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.deliveries {
		if d.State != delivery.StateInFlight || !d.UpdatedAt.Before(before) {
			continue
		}
		at := now.UTC()
		d.State = delivery.StateRetrying
		d.NextRetryAt = &at
		d.Touch(now)
		n++
	}
	return n, nil
}

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = slices.Clip(items[:limit])
	}

	return items
}
