// Package id defines TypeID-based identifiers for herald entities.
//
// Webhooks, deliveries, domain events and outbound payloads share one ID
// type whose prefix names the entity. IDs sort by creation time (UUIDv7)
// and render as "prefix_suffix".
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

// Prefixes of herald entities.
const (
	PrefixWebhook  Prefix = "wh"
	PrefixDelivery Prefix = "del"
	PrefixEvent    Prefix = "evt"
	PrefixPayload  Prefix = "msg"
)

// ID is a prefix-qualified TypeID. The zero value is Nil and encodes as "".
type ID struct {
	tid typeid.TypeID
	set bool
}

// Nil is the zero ID.
var Nil ID

// New generates an ID with the given prefix. It panics on a malformed
// prefix, which only a programming error can produce.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{tid: tid, set: true}
}

// NewWebhookID generates a webhook ID.
func NewWebhookID() ID { return New(PrefixWebhook) }

// NewDeliveryID generates a delivery ID.
func NewDeliveryID() ID { return New(PrefixDelivery) }

// NewEventID generates a domain event ID.
func NewEventID() ID { return New(PrefixEvent) }

// NewPayloadID generates an outbound payload ID. Receivers use it as
// their idempotency key.
func NewPayloadID() ID { return New(PrefixPayload) }

// Parse parses any "prefix_suffix" string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{tid: tid, set: true}, nil
}

// ParseWithPrefix parses s and rejects IDs of another entity type.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", want, got)
	}
	return parsed, nil
}

func ParseWebhookID(s string) (ID, error)  { return ParseWithPrefix(s, PrefixWebhook) }
func ParseDeliveryID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDelivery) }
func ParseEventID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixEvent) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.set {
		return ""
	}
	return i.tid.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.set {
		return ""
	}
	return Prefix(i.tid.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.set }

// MarshalText encodes Nil as an empty string.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText decodes an empty string as Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
