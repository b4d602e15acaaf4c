package catalog

import "encoding/json"

// Definition describes one event name the application emits.
type Definition struct {
	// Name is the exact event name subscriptions list, e.g. "invoice.created".
	Name string `json:"name" yaml:"name"`

	// Description explains when the event fires.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Group is an optional category for listing.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	// Schema is an optional JSON Schema the payload must satisfy.
	Schema json.RawMessage `json:"schema,omitempty" yaml:"-"`

	// Example is a sample payload, used as the default body of a test send.
	Example json.RawMessage `json:"example,omitempty" yaml:"-"`
}

// ListOpts configures definition listing.
type ListOpts struct {
	Group  string
	Offset int
	Limit  int
}
