// Package delivery sends webhook requests and tracks each delivery attempt
// from first send to success or final failure.
//
// A Dispatcher performs one physical attempt per call and records it. The
// Scheduler re-runs failed attempts whose retry time has passed. Both share
// a per-tenant Limiter that caps concurrent outbound requests.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
)

// Status is the lifecycle state of a delivery attempt record.
type Status string

const (
	// StatusPending means a send is about to happen or is in progress.
	StatusPending Status = "pending"

	// StatusSuccess means the receiver answered 2xx.
	StatusSuccess Status = "success"

	// StatusFailed means the last send failed. NextRetryAt tells whether
	// another attempt will follow.
	StatusFailed Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Delivery is the persisted record of one event sent to one subscription.
// Retries mutate the same record.
type Delivery struct {
	entity.Entity

	ID             id.ID  `json:"id"`
	TenantID       string `json:"tenant_id"`
	SubscriptionID id.ID  `json:"subscription_id"`
	Event          string `json:"event"`

	// Payload holds the exact bytes sent and signed.
	Payload json.RawMessage `json:"payload"`

	Status         Status `json:"status"`
	ResponseStatus *int   `json:"response_status,omitempty"`
	ResponseBody   string `json:"response_body,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	// AttemptCount counts physical sends.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the total send budget, the subscription's retry budget plus one.
	MaxAttempts int `json:"max_attempts"`

	// NextRetryAt is set only while Status is failed and AttemptCount < MaxAttempts.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	LatencyMs   int        `json:"latency_ms"`
}

// Retryable reports whether the record is waiting for another attempt.
func (d *Delivery) Retryable() bool {
	return d.Status == StatusFailed && d.NextRetryAt != nil && d.AttemptCount < d.MaxAttempts
}

// ListOpts filters delivery history. Zero values mean "any".
type ListOpts struct {
	TenantID       string
	SubscriptionID id.ID
	Status         Status
	Offset         int
	Limit          int
}

// TestResult is returned by a test send. Nothing is persisted.
type TestResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status"`
	Error      string `json:"error,omitempty"`
	LatencyMs  int    `json:"latency_ms"`
}
