package delivery_test

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/subscription"
)

func TestClassifierDecide(t *testing.T) {
	c := delivery.NewClassifier(time.Hour)
	transport := errors.New("connection refused")

	tests := []struct {
		name    string
		res     delivery.Result
		attempt int
		max     int
		want    delivery.Decision
	}{
		{"200", delivery.Result{StatusCode: 200}, 1, 4, delivery.Delivered},
		{"204", delivery.Result{StatusCode: 204}, 4, 4, delivery.Delivered},
		{"302", delivery.Result{StatusCode: 302}, 1, 4, delivery.Rejected},
		{"404", delivery.Result{StatusCode: 404}, 1, 4, delivery.Rejected},
		{"500", delivery.Result{StatusCode: 500}, 1, 4, delivery.Rejected},
		{"transport with budget", delivery.Result{Err: transport}, 3, 4, delivery.Retry},
		{"transport on last send", delivery.Result{Err: transport}, 4, 4, delivery.Exhausted},
		{"no retries configured", delivery.Result{Err: transport}, 1, 1, delivery.Exhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &delivery.Delivery{AttemptCount: tt.attempt, MaxAttempts: tt.max}
			if got := c.Decide(tt.res, d); got != tt.want {
				t.Fatalf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifierNextRetry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	fixed := subscription.RetryPolicy{RetryDelaySeconds: 60, Backoff: subscription.BackoffFixed}
	exp := subscription.RetryPolicy{RetryDelaySeconds: 60, Backoff: subscription.BackoffExponential}

	tests := []struct {
		name    string
		policy  subscription.RetryPolicy
		attempt int
		max     time.Duration
		want    time.Duration
	}{
		{"fixed first", fixed, 1, time.Hour, time.Minute},
		{"fixed third", fixed, 3, time.Hour, time.Minute},
		{"exponential first", exp, 1, time.Hour, time.Minute},
		{"exponential third", exp, 3, time.Hour, 4 * time.Minute},
		{"exponential capped", exp, 10, time.Hour, time.Hour},
		{"exponential uncapped saturates", exp, 70, 0, subscription.MaxBackoff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := delivery.NewClassifier(tt.max)
			if got := c.NextRetry(now, tt.policy, tt.attempt).Sub(now); got != tt.want {
				t.Fatalf("delay = %s, want %s", got, tt.want)
			}
		})
	}
}
