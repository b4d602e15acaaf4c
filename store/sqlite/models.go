package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
)

// --- Subscription models ---

// subscriptionModel stores slices and maps as JSON text.
type subscriptionModel struct {
	grove.BaseModel `grove:"table:herald_subscriptions"`

	ID                string     `grove:"id,pk"`
	TenantID          string     `grove:"tenant_id"`
	URL               string     `grove:"url"`
	Description       string     `grove:"description"`
	Secret            string     `grove:"secret"`
	Events            string     `grove:"events"`
	Filters           string     `grove:"filters"`
	Headers           string     `grove:"headers"`
	Active            bool       `grove:"active"`
	MaxAttempts       int        `grove:"max_attempts"`
	RetryDelaySeconds int        `grove:"retry_delay_seconds"`
	TimeoutSeconds    int        `grove:"timeout_seconds"`
	Backoff           string     `grove:"backoff"`
	RateLimit         int        `grove:"rate_limit"`
	SuccessCount      int64      `grove:"success_count"`
	FailureCount      int64      `grove:"failure_count"`
	LastTriggeredAt   *time.Time `grove:"last_triggered_at"`
	Metadata          string     `grove:"metadata"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                s.ID.String(),
		TenantID:          s.TenantID,
		URL:               s.URL,
		Description:       s.Description,
		Secret:            s.Secret,
		Events:            jsonText(s.Events, "[]"),
		Filters:           jsonText(s.Filters, "{}"),
		Headers:           jsonText(s.Headers, "{}"),
		Active:            s.Active,
		MaxAttempts:       s.RetryPolicy.MaxAttempts,
		RetryDelaySeconds: s.RetryPolicy.RetryDelaySeconds,
		TimeoutSeconds:    s.RetryPolicy.TimeoutSeconds,
		Backoff:           string(s.RetryPolicy.Backoff),
		RateLimit:         s.RateLimit,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		LastTriggeredAt:   s.LastTriggeredAt,
		Metadata:          jsonText(s.Metadata, "{}"),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}

	sub := &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          subID,
		TenantID:    m.TenantID,
		URL:         m.URL,
		Description: m.Description,
		Secret:      m.Secret,
		Active:      m.Active,
		RetryPolicy: subscription.RetryPolicy{
			MaxAttempts:       m.MaxAttempts,
			RetryDelaySeconds: m.RetryDelaySeconds,
			TimeoutSeconds:    m.TimeoutSeconds,
			Backoff:           subscription.Backoff(m.Backoff),
		},
		RateLimit:       m.RateLimit,
		SuccessCount:    m.SuccessCount,
		FailureCount:    m.FailureCount,
		LastTriggeredAt: m.LastTriggeredAt,
	}
	for _, f := range []struct {
		col string
		raw string
		dst any
	}{
		{"events", m.Events, &sub.Events},
		{"filters", m.Filters, &sub.Filters},
		{"headers", m.Headers, &sub.Headers},
		{"metadata", m.Metadata, &sub.Metadata},
	} {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s of subscription %s: %w", f.col, m.ID, err)
		}
	}
	return sub, nil
}

// --- Delivery models ---

type deliveryModel struct {
	grove.BaseModel `grove:"table:herald_deliveries"`

	ID             string     `grove:"id,pk"`
	TenantID       string     `grove:"tenant_id"`
	SubscriptionID string     `grove:"subscription_id"`
	Event          string     `grove:"event"`
	Payload        string     `grove:"payload"`
	Status         string     `grove:"status"`
	ResponseStatus *int       `grove:"response_status"`
	ResponseBody   string     `grove:"response_body"`
	ErrorMessage   string     `grove:"error_message"`
	AttemptCount   int        `grove:"attempt_count"`
	MaxAttempts    int        `grove:"max_attempts"`
	NextRetryAt    *time.Time `grove:"next_retry_at"`
	DeliveredAt    *time.Time `grove:"delivered_at"`
	LatencyMs      int        `grove:"latency_ms"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:             d.ID.String(),
		TenantID:       d.TenantID,
		SubscriptionID: d.SubscriptionID.String(),
		Event:          d.Event,
		Payload:        string(d.Payload),
		Status:         string(d.Status),
		ResponseStatus: d.ResponseStatus,
		ResponseBody:   d.ResponseBody,
		ErrorMessage:   d.ErrorMessage,
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		NextRetryAt:    utcPtr(d.NextRetryAt),
		DeliveredAt:    utcPtr(d.DeliveredAt),
		LatencyMs:      d.LatencyMs,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	subID, err := id.ParseSubscriptionID(m.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.SubscriptionID, err)
	}
	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             delID,
		TenantID:       m.TenantID,
		SubscriptionID: subID,
		Event:          m.Event,
		Payload:        []byte(m.Payload),
		Status:         delivery.Status(m.Status),
		ResponseStatus: m.ResponseStatus,
		ResponseBody:   m.ResponseBody,
		ErrorMessage:   m.ErrorMessage,
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		NextRetryAt:    m.NextRetryAt,
		DeliveredAt:    m.DeliveredAt,
		LatencyMs:      m.LatencyMs,
	}, nil
}

func fromSubscriptionModels(models []subscriptionModel) ([]*subscription.Subscription, error) {
	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func fromDeliveryModels(models []deliveryModel) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// jsonText encodes v, substituting empty for nil.
func jsonText(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

// utcPtr normalizes stored times so text comparisons in SQL order correctly.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
