package payload

import (
	"time"

	"github.com/xraph/herald/event"
	"github.com/xraph/herald/id"
)

// DefaultSource is stamped on payloads when no source is configured.
const DefaultSource = "herald"

// Builder assembles payloads for dispatched events.
type Builder struct {
	source string
	now    func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithSource sets metadata.source.
func WithSource(source string) Option {
	return func(b *Builder) {
		if source != "" {
			b.source = source
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{source: DefaultSource, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the payload for one event occurrence. The result is not yet
// addressed to a webhook; use ForRecipient per delivery. A Source set on
// ectx overrides the builder's.
func (b *Builder) Build(kind event.Kind, data map[string]any, version string, ectx event.Context) *WebhookPayload {
	if data == nil {
		data = map[string]any{}
	}
	source := b.source
	if ectx.Source != "" {
		source = ectx.Source
	}
	return &WebhookPayload{
		ID:        id.NewPayloadID(),
		Event:     kind,
		Timestamp: b.now().UTC(),
		Data:      data,
		Metadata: Metadata{
			Version:       version,
			Source:        source,
			WorkspaceID:   ectx.WorkspaceID,
			CorrelationID: ectx.CorrelationID,
		},
	}
}
