package herald

import (
	"time"

	"github.com/xraph/herald/subscription"
)

// Config holds the configuration for a Herald instance.
type Config struct {
	// PollInterval is how often the retry scheduler looks for due records.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BatchSize is the maximum number of records claimed per poll.
	BatchSize int `yaml:"batch_size"`

	// ClaimLease is how long a pending delivery may go unwritten before the
	// scheduler takes it over again. Keep it above the longest subscription
	// timeout.
	ClaimLease time.Duration `yaml:"claim_lease"`

	// TenantConcurrency caps in-flight outbound requests per tenant.
	TenantConcurrency int `yaml:"tenant_concurrency"`

	// MaxConcurrency caps in-flight outbound requests overall. 0 means no cap.
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultRetryPolicy applies to subscriptions created without one.
	DefaultRetryPolicy subscription.RetryPolicy `yaml:"default_retry_policy"`

	// MaxRetryDelay caps exponential backoff. 0 leaves only the
	// subscription.MaxBackoff ceiling.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`

	// MaxResponseBody is how many characters of a response body are kept.
	MaxResponseBody int `yaml:"max_response_body"`

	// ShutdownTimeout bounds how long Stop waits for in-flight work.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StrictEvents rejects triggers for event names missing from the catalog.
	StrictEvents bool `yaml:"strict_events"`

	// UserAgent is sent with every webhook request.
	UserAgent string `yaml:"user_agent"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       1 * time.Second,
		BatchSize:          50,
		ClaimLease:         5 * time.Minute,
		TenantConcurrency:  10,
		MaxConcurrency:     0,
		DefaultRetryPolicy: subscription.DefaultRetryPolicy(),
		MaxRetryDelay:      time.Hour,
		MaxResponseBody:    5000,
		ShutdownTimeout:    30 * time.Second,
		UserAgent:          "Herald/1.0",
	}
}
