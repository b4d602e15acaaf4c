package herald

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// Option configures a Herald instance.
type Option func(*Herald) error

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(h *Herald) error {
		h.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Herald) error {
		h.logger = logger
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(h *Herald) error {
		h.config = cfg
		return nil
	}
}

// WithSSRFPolicy sets the destination policy used at configuration and send time.
func WithSSRFPolicy(p ssrf.Policy) Option {
	return func(h *Herald) error {
		h.policy = p
		return nil
	}
}

// WithResolver replaces the DNS resolver the SSRF guard uses.
func WithResolver(r ssrf.Resolver) Option {
	return func(h *Herald) error {
		h.guardOpts = append(h.guardOpts, ssrf.WithResolver(r))
		return nil
	}
}

// WithHTTPClient replaces the outbound client. The caller becomes
// responsible for dial-time address checks; see delivery.NewTransport.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Herald) error {
		h.client = c
		return nil
	}
}

// WithMetrics registers Herald's Prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(h *Herald) error {
		h.metrics = observability.NewMetrics(reg)
		return nil
	}
}

// WithTracerProvider traces each webhook request with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Herald) error {
		h.tracer = observability.NewTracerFrom(tp)
		return nil
	}
}

// WithPollInterval sets how often the retry scheduler polls.
func WithPollInterval(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithClaimLease sets how long a pending delivery may go unwritten before
// the scheduler reclaims it.
func WithClaimLease(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.ClaimLease = d
		return nil
	}
}

// WithBatchSize sets how many due records one poll claims.
func WithBatchSize(n int) Option {
	return func(h *Herald) error {
		h.config.BatchSize = n
		return nil
	}
}

// WithTenantConcurrency caps in-flight requests per tenant.
func WithTenantConcurrency(n int) Option {
	return func(h *Herald) error {
		h.config.TenantConcurrency = n
		return nil
	}
}

// WithMaxConcurrency caps in-flight requests overall.
func WithMaxConcurrency(n int) Option {
	return func(h *Herald) error {
		h.config.MaxConcurrency = n
		return nil
	}
}

// WithDefaultRetryPolicy sets the policy for subscriptions created without one.
func WithDefaultRetryPolicy(p subscription.RetryPolicy) Option {
	return func(h *Herald) error {
		h.config.DefaultRetryPolicy = p
		return nil
	}
}

// WithMaxRetryDelay caps exponential backoff.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.MaxRetryDelay = d
		return nil
	}
}

// WithShutdownTimeout bounds how long Stop waits for in-flight work.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Herald) error {
		h.config.ShutdownTimeout = d
		return nil
	}
}

// WithStrictEvents rejects triggers for event names missing from the catalog.
func WithStrictEvents(strict bool) Option {
	return func(h *Herald) error {
		h.config.StrictEvents = strict
		return nil
	}
}

// WithClock overrides the scheduler clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Herald) error {
		h.clock = now
		return nil
	}
}
