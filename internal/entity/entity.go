// Package entity holds the timestamp base shared by herald records.
package entity

import "time"

// Entity carries creation and modification times. Embedded by webhooks
// and deliveries.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an Entity stamped with the current UTC time.
func New() Entity {
	return At(time.Now())
}

// At returns an Entity stamped with t, normalized to UTC.
func At(t time.Time) Entity {
	t = t.UTC()
	return Entity{CreatedAt: t, UpdatedAt: t}
}

// Touch moves UpdatedAt forward to t.
func (e *Entity) Touch(t time.Time) {
	e.UpdatedAt = t.UTC()
}
