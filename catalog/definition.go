package catalog

import (
	"encoding/json"

	"github.com/xraph/herald/event"
)

// BuildFunc shapes a domain event into the data section of a webhook payload.
type BuildFunc func(evt event.Event) (map[string]any, error)

// Definition describes one event kind: how its payload is built and what
// shape the domain data must have.
type Definition struct {
	// Kind is the event kind this definition covers.
	Kind event.Kind `json:"kind"`

	// Description explains when the event fires.
	Description string `json:"description"`

	// Group collects related kinds, e.g. "task".
	Group string `json:"group,omitempty"`

	// Version is the payload version stamped on outbound payloads.
	Version string `json:"version"`

	// Schema is an optional JSON Schema the event data must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`

	// Example is a sample payload data section for documentation.
	Example json.RawMessage `json:"example,omitempty"`

	// Build produces the payload data. Nil copies the event data as is.
	Build BuildFunc `json:"-"`
}
