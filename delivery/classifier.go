package delivery

import (
	"time"

	"github.com/xraph/herald/subscription"
)

// Decision is what happens to a record after an attempt.
type Decision int

const (
	// Delivered: the receiver answered 2xx.
	Delivered Decision = iota

	// Rejected: the receiver answered non-2xx. Terminal.
	Rejected

	// Retry: transport failure with budget left.
	Retry

	// Exhausted: transport failure with no budget left. Terminal.
	Exhausted

	// Blocked: the SSRF guard refused the destination. Terminal.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Retry:
		return "retry"
	case Exhausted:
		return "exhausted"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Classifier maps a send result to a Decision and computes retry times.
type Classifier struct {
	maxDelay time.Duration
}

// NewClassifier caps backoff at maxDelay; 0 leaves only subscription.MaxBackoff.
func NewClassifier(maxDelay time.Duration) *Classifier {
	return &Classifier{maxDelay: maxDelay}
}

// Decide classifies res for record d, whose AttemptCount already includes
// this attempt.
//
//   - 2xx                    → Delivered
//   - any other status       → Rejected (a reachable endpoint will not heal on retry)
//   - no response, budget    → Retry
//   - no response, no budget → Exhausted
func (c *Classifier) Decide(res Result, d *Delivery) Decision {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return Delivered
	case res.Responded():
		return Rejected
	case d.AttemptCount < d.MaxAttempts:
		return Retry
	default:
		return Exhausted
	}
}

// NextRetry returns when the retry after attempt number attempt is due.
func (c *Classifier) NextRetry(now time.Time, policy subscription.RetryPolicy, attempt int) time.Time {
	return now.Add(policy.Delay(attempt, c.maxDelay)).UTC()
}
