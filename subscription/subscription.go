// Package subscription models tenant webhook subscriptions: where to send,
// which events, how to retry, and the aggregate delivery counters.
package subscription

import (
	"slices"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// Subscription is a tenant-configured webhook destination.
type Subscription struct {
	entity.Entity

	ID       id.ID  `json:"id"`
	TenantID string `json:"tenant_id"`

	// URL receives a POST for every matching event.
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`

	// Secret keys the HMAC signature. It is write-only and never serialized.
	Secret string `json:"-"`

	// Events lists the event names this subscription receives. Matching is
	// exact; there are no wildcards.
	Events []string `json:"events"`

	// Filters is kept for the owner's reference. Dispatch does not evaluate it.
	Filters map[string]any `json:"filters,omitempty"`

	// Headers are added to each request. Reserved header names are refused
	// at configuration time and overwritten at send time.
	Headers map[string]string `json:"headers,omitempty"`

	Active      bool        `json:"active"`
	RetryPolicy RetryPolicy `json:"retry_policy"`

	// RateLimit caps deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`

	SuccessCount    int64      `json:"success_count"`
	FailureCount    int64      `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Matches reports whether s should receive event: it must be active and list
// the event name verbatim.
func Matches(s *Subscription, event string) bool {
	return s != nil && s.Active && slices.Contains(s.Events, event)
}

// Outcome selects which counter an attempt increments.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// ListOpts configures subscription listing.
type ListOpts struct {
	Offset int
	Limit  int
	Active *bool
}
