package delivery

import (
	"context"
	"time"

	"github.com/xraph/herald/id"
)

// Store defines the persistence contract for webhook deliveries.
type Store interface {
	// CreateDelivery persists a new delivery.
	CreateDelivery(ctx context.Context, d *Delivery) error

	// CreateDeliveries persists a fan-out batch atomically.
	CreateDeliveries(ctx context.Context, ds []*Delivery) error

	// GetDelivery returns a delivery by ID.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// UpdateDelivery replaces a delivery. Records already delivered or
	// cancelled are rejected with ErrDeliveryImmutable.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// Claim moves one claimable delivery to in_flight. It reports false,
	// without error, when another worker got there first or the record is
	// no longer claimable.
	Claim(ctx context.Context, delID id.ID, now time.Time) (*Delivery, bool, error)

	// ClaimDue moves up to limit deliveries in state whose DueAt is at or
	// before dueBefore to in_flight, oldest first, stamping them with now.
	// Concurrent callers never receive the same record.
	ClaimDue(ctx context.Context, state State, dueBefore, now time.Time, limit int) ([]*Delivery, error)

	// CancelDelivery cancels a claimable delivery. It reports false when the
	// delivery was already taken or finished.
	CancelDelivery(ctx context.Context, delID id.ID, at time.Time) (bool, error)

	// CancelByWebhook cancels every claimable delivery of a webhook.
	CancelByWebhook(ctx context.Context, whID id.ID, at time.Time) (int64, error)

	// ListDeliveries returns deliveries newest first.
	ListDeliveries(ctx context.Context, opts ListOpts) ([]*Delivery, error)

	// DeliveryStats aggregates deliveries matching filter.
	DeliveryStats(ctx context.Context, filter StatsFilter) (*Stats, error)

	// QueueStats reports queued work as of now.
	QueueStats(ctx context.Context, now time.Time) (*QueueStats, error)

	// ReleaseStale returns in_flight deliveries untouched since before to
	// retrying, due at now.
	ReleaseStale(ctx context.Context, before, now time.Time) (int64, error)
}
