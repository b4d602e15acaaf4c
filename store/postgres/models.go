package postgres

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/subscription"
)

// --- Subscription models ---

type subscriptionModel struct {
	grove.BaseModel `grove:"table:herald_subscriptions"`

	ID                string            `grove:"id,pk"`
	TenantID          string            `grove:"tenant_id"`
	URL               string            `grove:"url"`
	Description       string            `grove:"description"`
	Secret            string            `grove:"secret"`
	Events            []string          `grove:"events,array"`
	Filters           map[string]any    `grove:"filters,type:jsonb"`
	Headers           map[string]string `grove:"headers,type:jsonb"`
	Active            bool              `grove:"active"`
	MaxAttempts       int               `grove:"max_attempts"`
	RetryDelaySeconds int               `grove:"retry_delay_seconds"`
	TimeoutSeconds    int               `grove:"timeout_seconds"`
	Backoff           string            `grove:"backoff"`
	RateLimit         int               `grove:"rate_limit"`
	SuccessCount      int64             `grove:"success_count"`
	FailureCount      int64             `grove:"failure_count"`
	LastTriggeredAt   *time.Time        `grove:"last_triggered_at"`
	Metadata          map[string]string `grove:"metadata,type:jsonb"`
	CreatedAt         time.Time         `grove:"created_at"`
	UpdatedAt         time.Time         `grove:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:                s.ID.String(),
		TenantID:          s.TenantID,
		URL:               s.URL,
		Description:       s.Description,
		Secret:            s.Secret,
		Events:            s.Events,
		Filters:           s.Filters,
		Headers:           s.Headers,
		Active:            s.Active,
		MaxAttempts:       s.RetryPolicy.MaxAttempts,
		RetryDelaySeconds: s.RetryPolicy.RetryDelaySeconds,
		TimeoutSeconds:    s.RetryPolicy.TimeoutSeconds,
		Backoff:           string(s.RetryPolicy.Backoff),
		RateLimit:         s.RateLimit,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		LastTriggeredAt:   s.LastTriggeredAt,
		Metadata:          s.Metadata,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse subscription ID %q: %w", m.ID, err)
	}
	return &subscription.Subscription{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          subID,
		TenantID:    m.TenantID,
		URL:         m.URL,
		Description: m.Description,
		Secret:      m.Secret,
		Events:      m.Events,
		Filters:     m.Filters,
		Headers:     m.Headers,
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
		Metadata:        m.Metadata,
	}, nil
}

// --- Delivery models ---

// deliveryModel keeps the payload as TEXT so the stored bytes are exactly
// the bytes that were signed. JSONB would normalize them.
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
		NextRetryAt:    d.NextRetryAt,
		DeliveredAt:    d.DeliveredAt,
		LatencyMs:      d.LatencyMs,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
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
