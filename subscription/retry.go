package subscription

import "time"

// Backoff selects how the delay grows between retries.
type Backoff string

const (
	// BackoffFixed waits RetryDelaySeconds before every retry.
	BackoffFixed Backoff = "fixed"

	// BackoffExponential doubles the delay after each failed attempt.
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy bounds delivery attempts for one subscription.
type RetryPolicy struct {
	// MaxAttempts is the number of retries allowed after the first send.
	// A delivery is physically sent at most MaxAttempts+1 times. Zero takes
	// the default; NoRetries disables retrying.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryDelaySeconds is the base wait before a retry.
	RetryDelaySeconds int `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`

	// TimeoutSeconds is the hard limit on one request, connect to last byte.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`

	Backoff Backoff `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// NoRetries as MaxAttempts sends each delivery exactly once.
const NoRetries = -1

// MaxBackoff bounds every retry delay, including uncapped exponential
// backoff, so retry times stay representable in every store.
const MaxBackoff = 30 * 24 * time.Hour

// DefaultRetryPolicy allows three retries one minute apart with a ten second timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		RetryDelaySeconds: 60,
		TimeoutSeconds:    10,
		Backoff:           BackoffFixed,
	}
}

// Resolve fills zero-valued fields from def, so a partial policy only
// overrides what it sets. Any negative MaxAttempts becomes NoRetries.
func (p RetryPolicy) Resolve(def RetryPolicy) RetryPolicy {
	switch {
	case p.MaxAttempts < 0:
		p.MaxAttempts = NoRetries
	case p.MaxAttempts == 0:
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RetryDelaySeconds <= 0 {
		p.RetryDelaySeconds = def.RetryDelaySeconds
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = def.TimeoutSeconds
	}
	if p.Backoff == "" {
		p.Backoff = def.Backoff
	}
	if p.Backoff == "" {
		p.Backoff = BackoffFixed
	}
	return p
}

// Timeout returns TimeoutSeconds as a duration.
func (p RetryPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Delay returns the wait before the retry that follows attempt number
// attempt (1-based), capped at maxDelay when maxDelay > 0 and never above
// MaxBackoff.
func (p RetryPolicy) Delay(attempt int, maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 || maxDelay > MaxBackoff {
		maxDelay = MaxBackoff
	}
	base := maxDelay
	if p.RetryDelaySeconds < int(maxDelay/time.Second) {
		base = time.Duration(p.RetryDelaySeconds) * time.Second
	}
	if p.Backoff != BackoffExponential || attempt <= 1 {
		return capDelay(base, maxDelay)
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= maxDelay/2 {
			return maxDelay
		}
		d *= 2
	}
	return capDelay(d, maxDelay)
}

// TotalSends is the physical send budget of a delivery under p.
func (p RetryPolicy) TotalSends() int {
	if p.MaxAttempts < 0 {
		return 1
	}
	return p.MaxAttempts + 1
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if d > maxDelay {
		return maxDelay
	}
	return d
}
