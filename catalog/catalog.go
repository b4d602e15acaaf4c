// Package catalog keeps the set of event names an application emits,
// with optional JSON Schemas for their payloads.
//
// The catalog is advisory: subscriptions may list any event name. It is
// consulted on trigger to validate payloads of registered events and, when
// strict mode is on, to refuse names that were never registered.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no definition is registered for a name.
	ErrNotFound = errors.New("herald: event type not found")

	// ErrInvalidPayload is returned when a payload does not satisfy its schema.
	ErrInvalidPayload = errors.New("herald: payload validation failed")
)

// Catalog is the in-memory registry of event definitions.
type Catalog struct {
	mu        sync.RWMutex
	defs      map[string]*Definition
	validator *Validator
	logger    *slog.Logger
}

// New creates an empty Catalog.
func New(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:      make(map[string]*Definition),
		validator: NewValidator(),
		logger:    logger,
	}
}

// Register adds or replaces def. The schema is compiled up front so a bad
// schema is reported here rather than on every trigger.
func (c *Catalog) Register(ctx context.Context, def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("catalog: event name required")
	}
	if _, err := c.validator.Compile(def.Schema); err != nil {
		return fmt.Errorf("catalog: %s: %w", def.Name, err)
	}
	if len(def.Example) > 0 {
		if err := c.validator.Validate(def.Schema, def.Example); err != nil {
			return fmt.Errorf("catalog: %s: example does not match schema: %w", def.Name, err)
		}
	}

	c.mu.Lock()
	c.defs[def.Name] = &def
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "event type registered", "event", def.Name, "schema", len(def.Schema) > 0)
	return nil
}

// Get returns the definition registered under name.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *def
	return &cp, nil
}

// List returns definitions sorted by name.
func (c *Catalog) List(opts ListOpts) []*Definition {
	c.mu.RLock()
	result := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		if opts.Group != "" && def.Group != opts.Group {
			continue
		}
		cp := *def
		result = append(result, &cp)
	}
	c.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(result) {
		result = result[:opts.Limit]
	}
	return result
}

// Remove deletes a definition. Existing subscriptions are unaffected.
func (c *Catalog) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.defs[name]; !ok {
		return ErrNotFound
	}
	delete(c.defs, name)
	return nil
}

// Validate checks payload against the schema registered for name. Unknown
// names return ErrNotFound; registered names without a schema pass.
func (c *Catalog) Validate(name string, payload []byte) error {
	c.mu.RLock()
	def, ok := c.defs[name]
	c.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := c.validator.Validate(def.Schema, payload); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, name, err.Error())
	}
	return nil
}
