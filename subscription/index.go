package subscription

import "context"

// Lookup is the read capability the index needs.
type Lookup interface {
	FindByEvent(ctx context.Context, tenantID, event string) ([]*Subscription, error)
}

// Index resolves an event name to the subscriptions that should receive it.
type Index struct {
	lookup Lookup
}

// NewIndex wraps a store lookup.
func NewIndex(lookup Lookup) *Index {
	return &Index{lookup: lookup}
}

// Find returns active subscriptions of tenantID that list event exactly.
// Candidates from the store are re-checked with Matches so every backend
// obeys the same rule.
func (ix *Index) Find(ctx context.Context, tenantID, event string) ([]*Subscription, error) {
	candidates, err := ix.lookup.FindByEvent(ctx, tenantID, event)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, s := range candidates {
		if s.TenantID == tenantID && Matches(s, event) {
			out = append(out, s)
		}
	}
	return out, nil
}
