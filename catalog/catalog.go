// Package catalog maps every event kind to its payload builder and schema.
//
// The catalog is a closed lookup table: only kinds declared in package
// event can be registered, and dispatching an unregistered kind fails.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/xraph/herald/event"
)

// Errors returned by Catalog.
var (
	ErrUnknownKind  = errors.New("catalog: unknown event kind")
	ErrInvalidData  = errors.New("catalog: event data does not match schema")
	ErrBuildPayload = errors.New("catalog: build payload")
)

// DefaultVersion is stamped on payloads whose definition has no version.
const DefaultVersion = "1.0"

// Catalog holds the registered definitions.
type Catalog struct {
	mu        sync.RWMutex
	defs      map[event.Kind]Definition
	validator *Validator
	logger    *slog.Logger
}

// New creates an empty Catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:      make(map[event.Kind]Definition),
		validator: NewValidator(),
		logger:    logger,
	}
}

// Default creates a Catalog holding the built-in definition for every kind.
func Default(logger *slog.Logger) *Catalog {
	c := New(logger)
	for _, def := range Defaults() {
		if err := c.Register(def); err != nil {
			panic(fmt.Sprintf("catalog: default definition %s: %v", def.Kind, err))
		}
	}
	return c
}

// Register adds or replaces the definition for def.Kind.
func (c *Catalog) Register(def Definition) error {
	if !event.Known(def.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
	}
	if def.Version == "" {
		def.Version = DefaultVersion
	}
	if len(def.Schema) > 0 {
		if err := c.validator.Check(def.Schema); err != nil {
			return fmt.Errorf("catalog: schema for %s: %w", def.Kind, err)
		}
	}

	c.mu.Lock()
	c.defs[def.Kind] = def
	c.mu.Unlock()

	c.logger.Debug("event kind registered", "event_type", def.Kind, "version", def.Version)
	return nil
}

// Lookup returns the definition for kind.
func (c *Catalog) Lookup(kind event.Kind) (Definition, error) {
	c.mu.RLock()
	def, ok := c.defs[kind]
	c.mu.RUnlock()
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return def, nil
}

// Definitions returns all definitions sorted by kind.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Build validates evt.Data against its kind's schema and returns the
// payload data section together with the definition used.
func (c *Catalog) Build(evt event.Event) (map[string]any, Definition, error) {
	def, err := c.Lookup(evt.Kind)
	if err != nil {
		return nil, Definition{}, err
	}

	if len(def.Schema) > 0 {
		if vErr := c.validator.Validate(def.Schema, evt.Data); vErr != nil {
			return nil, def, fmt.Errorf("%w: %s", ErrInvalidData, vErr.Error())
		}
	}

	if def.Build == nil {
		return copyData(evt.Data), def, nil
	}
	data, err := def.Build(evt)
	if err != nil {
		return nil, def, fmt.Errorf("%w: %s: %w", ErrBuildPayload, evt.Kind, err)
	}
	return data, def, nil
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
