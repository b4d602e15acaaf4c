package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/signature"
)

// URLValidator vets destination URLs. *ssrf.Guard implements it.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Service is the configuration CRUD layer for subscriptions.
type Service struct {
	store    Store
	guard    URLValidator
	defaults RetryPolicy
	logger   *slog.Logger
	onDelete []func(subID id.ID)
}

// NewService creates a subscription service. guard may be nil only in tests
// that do not exercise URLs.
func NewService(store Store, guard URLValidator, defaults RetryPolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		guard:    guard,
		defaults: defaults.Resolve(DefaultRetryPolicy()),
		logger:   logger,
	}
}

// Create validates in and stores a new active subscription.
func (svc *Service) Create(ctx context.Context, in Input) (*Subscription, error) {
	if strings.TrimSpace(in.TenantID) == "" {
		return nil, &ValidationError{Field: "tenant_id", Message: "required"}
	}
	if err := svc.checkURL(ctx, in.URL); err != nil {
		return nil, err
	}
	events, err := normalizeEvents(in.Events)
	if err != nil {
		return nil, err
	}
	if err := checkHeaders(in.Headers); err != nil {
		return nil, err
	}
	policy := svc.defaults
	if in.RetryPolicy != nil {
		policy = in.RetryPolicy.Resolve(svc.defaults)
	}
	if err := checkPolicy(policy); err != nil {
		return nil, err
	}
	if in.RateLimit < 0 {
		return nil, &ValidationError{Field: "rate_limit", Message: "must not be negative"}
	}

	secret := in.Secret
	if secret == "" {
		secret = signature.GenerateSecret()
	}

	s := &Subscription{
		Entity:      entity.New(),
		ID:          id.NewSubscriptionID(),
		TenantID:    in.TenantID,
		URL:         in.URL,
		Description: in.Description,
		Secret:      secret,
		Events:      events,
		Filters:     in.Filters,
		Headers:     in.Headers,
		Active:      !in.Inactive,
		RetryPolicy: policy,
		RateLimit:   in.RateLimit,
		Metadata:    in.Metadata,
	}
	if err := svc.store.CreateSubscription(ctx, s); err != nil {
		return nil, fmt.Errorf("subscription: create: %w", err)
	}

	svc.logger.InfoContext(ctx, "subscription created",
		"subscription_id", s.ID, "tenant_id", s.TenantID, "events", len(s.Events))
	return s, nil
}

// Get returns a subscription by ID.
func (svc *Service) Get(ctx context.Context, subID id.ID) (*Subscription, error) {
	return svc.store.GetSubscription(ctx, subID)
}

// Update applies p. A changed URL is validated again, including the SSRF check.
func (svc *Service) Update(ctx context.Context, subID id.ID, p Patch) (*Subscription, error) {
	s, err := svc.store.GetSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}

	if p.URL != nil {
		if err := svc.checkURL(ctx, *p.URL); err != nil {
			return nil, err
		}
		s.URL = *p.URL
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.Secret != nil {
		if *p.Secret == "" {
			return nil, &ValidationError{Field: "secret", Message: "must not be empty"}
		}
		s.Secret = *p.Secret
	}
	if p.Events != nil {
		events, err := normalizeEvents(p.Events)
		if err != nil {
			return nil, err
		}
		s.Events = events
	}
	if p.Filters != nil {
		s.Filters = p.Filters
	}
	if p.Headers != nil {
		if err := checkHeaders(p.Headers); err != nil {
			return nil, err
		}
		s.Headers = p.Headers
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.RetryPolicy != nil {
		policy := p.RetryPolicy.Resolve(svc.defaults)
		if err := checkPolicy(policy); err != nil {
			return nil, err
		}
		s.RetryPolicy = policy
	}
	if p.RateLimit != nil {
		if *p.RateLimit < 0 {
			return nil, &ValidationError{Field: "rate_limit", Message: "must not be negative"}
		}
		s.RateLimit = *p.RateLimit
	}
	if p.Metadata != nil {
		s.Metadata = p.Metadata
	}

	s.Touch()
	if err := svc.store.UpdateSubscription(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a subscription together with its delivery history.
func (svc *Service) Delete(ctx context.Context, subID id.ID) error {
	if err := svc.store.DeleteSubscription(ctx, subID); err != nil {
		return err
	}
	for _, fn := range svc.onDelete {
		fn(subID)
	}
	svc.logger.InfoContext(ctx, "subscription deleted", "subscription_id", subID)
	return nil
}

// OnDelete registers fn to run after each successful Delete. Register hooks
// before the service is shared.
func (svc *Service) OnDelete(fn func(subID id.ID)) {
	svc.onDelete = append(svc.onDelete, fn)
}

// List returns subscriptions of a tenant.
func (svc *Service) List(ctx context.Context, tenantID string, opts ListOpts) ([]*Subscription, error) {
	return svc.store.ListSubscriptions(ctx, tenantID, opts)
}

// SetActive enables or disables a subscription.
func (svc *Service) SetActive(ctx context.Context, subID id.ID, active bool) error {
	_, err := svc.Update(ctx, subID, Patch{Active: &active})
	return err
}

// RotateSecret replaces the signing secret and returns the new value.
// This is the only read path that ever exposes a secret.
func (svc *Service) RotateSecret(ctx context.Context, subID id.ID) (string, error) {
	secret := signature.GenerateSecret()
	if _, err := svc.Update(ctx, subID, Patch{Secret: &secret}); err != nil {
		return "", err
	}
	return secret, nil
}

func (svc *Service) checkURL(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "url", Message: "required"}
	}
	if svc.guard == nil {
		return nil
	}
	if err := svc.guard.Validate(ctx, raw); err != nil {
		svc.logger.WarnContext(ctx, "subscription url rejected", "url", raw, "error", err)
		return &ValidationError{Field: "url", Message: err.Error(), Err: err}
	}
	return nil
}

func normalizeEvents(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, &ValidationError{Field: "events", Message: "at least one event name required"}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, &ValidationError{Field: "events", Message: "event names must not be empty"}
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func checkHeaders(h map[string]string) error {
	for name := range h {
		if strings.TrimSpace(name) == "" {
			return &ValidationError{Field: "headers", Message: "header name must not be empty"}
		}
		if signature.IsReserved(name) {
			return &ValidationError{Field: "headers", Message: name + " is reserved"}
		}
	}
	return nil
}

func checkPolicy(p RetryPolicy) error {
	switch {
	case p.RetryDelaySeconds < 0:
		return &ValidationError{Field: "retry_policy.retry_delay_seconds", Message: "must not be negative"}
	case p.TimeoutSeconds <= 0:
		return &ValidationError{Field: "retry_policy.timeout_seconds", Message: "must be positive"}
	case p.Backoff != BackoffFixed && p.Backoff != BackoffExponential:
		return &ValidationError{Field: "retry_policy.backoff", Message: "must be fixed or exponential"}
	}
	return nil
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return "subscription validation: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }
