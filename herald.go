package herald

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xraph/herald/catalog"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/subscription"
)

// TestEvent is the event name used by a test send when none is given.
const TestEvent = "herald.test"

// ErrStopped is returned by Emit after Stop has been called.
var ErrStopped = errors.New("herald: stopped")

// Herald is the root webhook dispatch engine.
type Herald struct {
	config    Config
	store     store.Store
	logger    *slog.Logger
	policy    ssrf.Policy
	guardOpts []ssrf.Option
	client    *http.Client
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	clock     func() time.Time

	guard         *ssrf.Guard
	catalog       *catalog.Catalog
	subscriptions *subscription.Service
	index         *subscription.Index
	dispatcher    *delivery.Dispatcher
	scheduler     *delivery.Scheduler

	mu      sync.Mutex
	stopped bool
	emits   sync.WaitGroup
}

// New creates a Herald with the given options.
func New(opts ...Option) (*Herald, error) {
	h := &Herald{
		config: DefaultConfig(),
		logger: slog.Default(),
		policy: ssrf.DefaultPolicy(),
		tracer: observability.NewTracer(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if h.store == nil {
		return nil, ErrNoStore
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.wireServices()
	return h, nil
}

// wireServices builds the internal services after options have been applied.
func (h *Herald) wireServices() {
	h.guard = ssrf.New(h.policy, h.guardOpts...)

	client := h.client
	if client == nil {
		client = &http.Client{Transport: delivery.NewTransport(h.guard)}
	}
	sender := delivery.NewSender(client, h.config.UserAgent, h.config.MaxResponseBody)

	h.catalog = catalog.New(h.logger)
	h.subscriptions = subscription.NewService(h.store, h.guard, h.config.DefaultRetryPolicy, h.logger)
	h.index = subscription.NewIndex(h.store)

	h.dispatcher = delivery.NewDispatcher(h.store, h.guard, sender, delivery.DispatcherConfig{
		MaxRetryDelay: h.config.MaxRetryDelay,
		Limiter:       delivery.NewLimiter(h.config.TenantConcurrency, h.config.MaxConcurrency),
		Metrics:       h.metrics,
		Tracer:        h.tracer,
	}, h.logger)

	h.subscriptions.OnDelete(h.dispatcher.Forget)

	h.scheduler = delivery.NewScheduler(h.store, h.dispatcher, delivery.SchedulerConfig{
		PollInterval: h.config.PollInterval,
		BatchSize:    h.config.BatchSize,
		Lease:        h.config.ClaimLease,
		Clock:        h.clock,
	}, h.logger)
}

// Start runs the retry scheduler in the background.
func (h *Herald) Start(ctx context.Context) {
	h.scheduler.Start(ctx)
	h.logger.InfoContext(ctx, "herald started",
		"poll_interval", h.config.PollInterval, "batch_size", h.config.BatchSize)
}

// Stop halts the scheduler and waits for retries and Emit fan-outs in
// flight, bounded by ShutdownTimeout.
func (h *Herald) Stop(ctx context.Context) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()

	if h.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.ShutdownTimeout)
		defer cancel()
	}

	h.scheduler.Stop(ctx)

	done := make(chan struct{})
	go func() {
		h.emits.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.WarnContext(ctx, "shutdown timed out with deliveries in flight")
	}
	h.logger.InfoContext(ctx, "herald stopped")
}

// Trigger delivers event to every active subscription of the tenant in ctx
// that lists it, and returns once each first attempt has been made and
// recorded. Receiver failures never surface here; they are recorded on the
// delivery records. payload is encoded to JSON once, unless it already is
// []byte or json.RawMessage.
func (h *Herald) Trigger(ctx context.Context, event string, payload any) error {
	tenantID, body, err := h.prepare(ctx, event, payload)
	if err != nil {
		return err
	}
	return h.fanout(ctx, tenantID, event, body)
}

// Emit is Trigger without waiting: validation happens inline, delivery runs
// on a context detached from ctx's cancellation. Stop waits for it.
func (h *Herald) Emit(ctx context.Context, event string, payload any) error {
	tenantID, body, err := h.prepare(ctx, event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	h.emits.Add(1)
	h.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer h.emits.Done()
		if err := h.fanout(detached, tenantID, event, body); err != nil {
			h.logger.ErrorContext(detached, "emit failed", "event", event, "tenant_id", tenantID, "error", err)
		}
	}()
	return nil
}

func (h *Herald) prepare(ctx context.Context, event string, payload any) (string, []byte, error) {
	tenantID, ok := scope.Capture(ctx)
	if !ok {
		return "", nil, ErrTenantRequired
	}
	if event == "" {
		return "", nil, fmt.Errorf("herald: event name required")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return "", nil, err
	}

	if err := h.catalog.Validate(event, body); err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			return "", nil, err
		}
		if h.config.StrictEvents {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
		}
	}
	return tenantID, body, nil
}

func (h *Herald) fanout(ctx context.Context, tenantID, event string, body []byte) error {
	subs, err := h.index.Find(ctx, tenantID, event)
	if err != nil {
		return fmt.Errorf("herald: find subscriptions: %w", err)
	}
	h.metrics.EventTriggered()

	if len(subs) == 0 {
		h.logger.DebugContext(ctx, "no subscriptions for event", "event", event, "tenant_id", tenantID)
		return nil
	}

	outcomes := h.dispatcher.Fanout(ctx, subs, event, body)

	delivered := 0
	for _, o := range outcomes {
		if o.Delivery != nil && o.Delivery.Status == delivery.StatusSuccess {
			delivered++
		}
	}
	h.logger.DebugContext(ctx, "event triggered",
		"event", event,
		"tenant_id", tenantID,
		"subscriptions", len(subs),
		"delivered", delivered,
	)
	return nil
}

// TestSend makes one signed request to a subscription without persisting
// anything or touching its counters. An empty event means TestEvent; a nil
// payload means the catalog example for event, or a small synthetic body.
func (h *Herald) TestSend(ctx context.Context, subID id.ID, event string, payload any) (delivery.TestResult, error) {
	sub, err := h.ownedSubscription(ctx, subID)
	if err != nil {
		return delivery.TestResult{}, err
	}
	if event == "" {
		event = TestEvent
	}

	var body []byte
	if payload == nil {
		body = h.samplePayload(event)
	} else if body, err = encodePayload(payload); err != nil {
		return delivery.TestResult{}, err
	}

	res := h.dispatcher.TestSend(ctx, sub, event, body)
	h.logger.InfoContext(ctx, "test send",
		"subscription_id", sub.ID, "event", event, "success", res.Success, "status", res.StatusCode)
	return res, nil
}

func (h *Herald) samplePayload(event string) []byte {
	if def, err := h.catalog.Get(event); err == nil && len(def.Example) > 0 {
		return def.Example
	}
	body, _ := json.Marshal(map[string]any{
		"event":     event,
		"test":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	return body
}

// ListDeliveries returns delivery records, newest first. When ctx carries a
// tenant the listing is restricted to it.
func (h *Herald) ListDeliveries(ctx context.Context, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	if tenantID, ok := scope.Capture(ctx); ok {
		opts.TenantID = tenantID
	}
	return h.store.ListDeliveries(ctx, opts)
}

// GetDelivery returns one record. Records of another tenant are reported
// as not found.
func (h *Herald) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	d, err := h.store.GetDelivery(ctx, delID)
	if err != nil {
		return nil, err
	}
	if tenantID, ok := scope.Capture(ctx); ok && d.TenantID != tenantID {
		return nil, ErrDeliveryNotFound
	}
	return d, nil
}

// RunRetries performs one retry scan immediately and returns how many
// records it re-attempted.
func (h *Herald) RunRetries(ctx context.Context) (int, error) {
	return h.scheduler.RunOnce(ctx)
}

func (h *Herald) ownedSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	sub, err := h.subscriptions.Get(ctx, subID)
	if err != nil {
		return nil, err
	}
	if tenantID, ok := scope.Capture(ctx); ok && sub.TenantID != tenantID {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// Subscriptions returns the subscription configuration service.
func (h *Herald) Subscriptions() *subscription.Service {
	return h.subscriptions
}

// Catalog returns the event catalog.
func (h *Herald) Catalog() *catalog.Catalog {
	return h.catalog
}

// Store returns the underlying store.
func (h *Herald) Store() store.Store {
	return h.store
}

// Metrics returns the Prometheus collectors, or nil when WithMetrics was not used.
func (h *Herald) Metrics() *observability.Metrics {
	return h.metrics
}

// Config returns the effective configuration.
func (h *Herald) Config() Config {
	return h.config
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, ErrInvalidPayload
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, ErrInvalidPayload
		}
		return v, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return body, nil
}
