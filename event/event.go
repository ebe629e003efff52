// Package event defines the domain events herald turns into webhook deliveries.
package event

import (
	"time"

	"github.com/xraph/herald/id"
)

// Kind is the dot-separated name of a domain event, "<resource>.<action>".
// The set is closed: Known rejects anything not listed here.
type Kind string

// Event kinds emitted by the application.
const (
	TaskCreated   Kind = "task.created"
	TaskUpdated   Kind = "task.updated"
	TaskDeleted   Kind = "task.deleted"
	TaskCompleted Kind = "task.completed"
	TaskAssigned  Kind = "task.assigned"

	ProjectCreated  Kind = "project.created"
	ProjectUpdated  Kind = "project.updated"
	ProjectDeleted  Kind = "project.deleted"
	ProjectArchived Kind = "project.archived"

	CommentCreated Kind = "comment.created"
	CommentUpdated Kind = "comment.updated"
	CommentDeleted Kind = "comment.deleted"

	MemberAdded   Kind = "member.added"
	MemberRemoved Kind = "member.removed"

	WorkspaceUpdated Kind = "workspace.updated"

	// WebhookTest is sent on demand to check a receiver is reachable.
	WebhookTest Kind = "webhook.test"
)

var kinds = []Kind{
	TaskCreated, TaskUpdated, TaskDeleted, TaskCompleted, TaskAssigned,
	ProjectCreated, ProjectUpdated, ProjectDeleted, ProjectArchived,
	CommentCreated, CommentUpdated, CommentDeleted,
	MemberAdded, MemberRemoved,
	WorkspaceUpdated,
	WebhookTest,
}

var known = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		m[k] = struct{}{}
	}
	return m
}()

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Known reports whether k is a member of the closed set.
func Known(k Kind) bool {
	_, ok := known[k]
	return ok
}

// String implements fmt.Stringer.
func (k Kind) String() string { return string(k) }

// Event is a domain event published on the application's event bus.
type Event struct {
	// ID identifies this occurrence. Assigned on dispatch when empty.
	ID id.ID `json:"id"`

	// Kind names what happened.
	Kind Kind `json:"kind"`

	// Context carries the tenant and actor the event belongs to.
	Context Context `json:"context"`

	// OccurredAt is when the change happened. Defaults to dispatch time.
	OccurredAt time.Time `json:"occurred_at"`

	// Data is the event body, e.g. the created task.
	Data map[string]any `json:"data"`

	// Metadata holds free-form annotations that travel with the event.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Context identifies who and where an event came from.
type Context struct {
	WorkspaceID   string `json:"workspace_id"`
	UserID        string `json:"user_id,omitempty"`
	Source        string `json:"source,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}
