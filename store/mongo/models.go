package mongo

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

	ID                string            `grove:"id,pk"               bson:"_id"`
	TenantID          string            `grove:"tenant_id"           bson:"tenant_id"`
	URL               string            `grove:"url"                 bson:"url"`
	Description       string            `grove:"description"         bson:"description"`
	Secret            string            `grove:"secret"              bson:"secret"`
	Events            []string          `grove:"events"              bson:"events"`
	Filters           map[string]any    `grove:"filters"             bson:"filters,omitempty"`
	Headers           map[string]string `grove:"headers"             bson:"headers,omitempty"`
	Active            bool              `grove:"active"              bson:"active"`
	MaxAttempts       int               `grove:"max_attempts"        bson:"max_attempts"`
	RetryDelaySeconds int               `grove:"retry_delay_seconds" bson:"retry_delay_seconds"`
	TimeoutSeconds    int               `grove:"timeout_seconds"     bson:"timeout_seconds"`
	Backoff           string            `grove:"backoff"             bson:"backoff"`
	RateLimit         int               `grove:"rate_limit"          bson:"rate_limit"`
	SuccessCount      int64             `grove:"success_count"       bson:"success_count"`
	FailureCount      int64             `grove:"failure_count"       bson:"failure_count"`
	LastTriggeredAt   *time.Time        `grove:"last_triggered_at"   bson:"last_triggered_at,omitempty"`
	Metadata          map[string]string `grove:"metadata"            bson:"metadata,omitempty"`
	CreatedAt         time.Time         `grove:"created_at"          bson:"created_at"`
	UpdatedAt         time.Time         `grove:"updated_at"          bson:"updated_at"`
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

// deliveryModel stores the payload as a string so the signed bytes survive
// the BSON round trip unchanged.
type deliveryModel struct {
	grove.BaseModel `grove:"table:herald_deliveries"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	TenantID       string     `grove:"tenant_id"       bson:"tenant_id"`
	SubscriptionID string     `grove:"subscription_id" bson:"subscription_id"`
	Event          string     `grove:"event"           bson:"event"`
	Payload        string     `grove:"payload"         bson:"payload"`
	Status         string     `grove:"status"          bson:"status"`
	ResponseStatus *int       `grove:"response_status" bson:"response_status,omitempty"`
	ResponseBody   string     `grove:"response_body"   bson:"response_body"`
	ErrorMessage   string     `grove:"error_message"   bson:"error_message"`
	AttemptCount   int        `grove:"attempt_count"   bson:"attempt_count"`
	MaxAttempts    int        `grove:"max_attempts"    bson:"max_attempts"`
	NextRetryAt    *time.Time `grove:"next_retry_at"   bson:"next_retry_at"`
	DeliveredAt    *time.Time `grove:"delivered_at"    bson:"delivered_at,omitempty"`
	LatencyMs      int        `grove:"latency_ms"      bson:"latency_ms"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
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
