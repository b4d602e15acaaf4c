package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xraph/herald/id"
	"github.com/xraph/herald/internal/entity"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/ratelimit"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/subscription"
)

// Guard vets a destination before each send. *ssrf.Guard implements it.
type Guard interface {
	Validate(ctx context.Context, rawURL string) error
}

// DispatchStore is the persistence the Dispatcher needs.
type DispatchStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	RecordStore
}

// DispatcherConfig holds dispatcher collaborators and limits.
type DispatcherConfig struct {
	// MaxRetryDelay caps exponential backoff.
	MaxRetryDelay time.Duration

	Limiter   *Limiter
	RateLimit *ratelimit.Limiter
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Dispatcher performs and records delivery attempts.
type Dispatcher struct {
	store      DispatchStore
	guard      Guard
	sender     *Sender
	recorder   *Recorder
	classifier *Classifier
	limiter    *Limiter
	rates      *ratelimit.Limiter
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store DispatchStore, guard Guard, sender *Sender, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewLimiter(0, 0)
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = ratelimit.New()
	}
	return &Dispatcher{
		store:      store,
		guard:      guard,
		sender:     sender,
		recorder:   NewRecorder(store, logger),
		classifier: NewClassifier(cfg.MaxRetryDelay),
		limiter:    cfg.Limiter,
		rates:      cfg.RateLimit,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Outcome is the per-subscription result of a fan-out.
type Outcome struct {
	SubscriptionID id.ID
	Delivery       *Delivery
	Err            error
}

// Fanout delivers event to every subscription concurrently and returns once
// each first attempt has finished. A failure or panic for one subscription
// is logged and reported in its Outcome only.
func (dsp *Dispatcher) Fanout(ctx context.Context, subs []*subscription.Subscription, event string, payload []byte) []Outcome {
	out := make([]Outcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = dsp.deliverIsolated(ctx, sub, event, payload)
		}()
	}
	wg.Wait()
	return out
}

func (dsp *Dispatcher) deliverIsolated(ctx context.Context, sub *subscription.Subscription, event string, payload []byte) (o Outcome) {
	o.SubscriptionID = sub.ID
	defer func() {
		if r := recover(); r != nil {
			o.Err = fmt.Errorf("delivery: panic: %v", r)
			dsp.logger.ErrorContext(ctx, "delivery panicked",
				"subscription_id", sub.ID, "event", event, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	d, err := dsp.Deliver(ctx, sub, event, payload)
	if err != nil {
		dsp.logger.ErrorContext(ctx, "delivery failed internally",
			"subscription_id", sub.ID, "event", event, "error", err)
	}
	o.Delivery, o.Err = d, err
	return o
}

// Deliver creates a pending record for sub and performs the first attempt.
// The returned error is only about persistence; delivery failures are
// recorded on the Delivery.
func (dsp *Dispatcher) Deliver(ctx context.Context, sub *subscription.Subscription, event string, payload []byte) (*Delivery, error) {
	d := &Delivery{
		Entity:         entity.New(),
		ID:             id.NewDeliveryID(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Event:          event,
		Payload:        payload,
		Status:         StatusPending,
		MaxAttempts:    sub.RetryPolicy.TotalSends(),
	}
	if err := dsp.store.CreateDelivery(context.WithoutCancel(ctx), d); err != nil {
		return nil, fmt.Errorf("delivery: create: %w", err)
	}
	return d, dsp.Attempt(ctx, sub, d)
}

// Attempt runs one physical send for an existing record: SSRF check, sign,
// post with the subscription timeout, classify and record.
func (dsp *Dispatcher) Attempt(ctx context.Context, sub *subscription.Subscription, d *Delivery) error {
	// The outcome is persisted even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	expected := d.AttemptCount

	if err := dsp.guard.Validate(ctx, sub.URL); err != nil && errors.Is(err, ssrf.ErrBlocked) {
		return dsp.block(persistCtx, sub, d, expected, err)
	} else if err != nil {
		// Resolution failed: no request could be made, handled like any
		// other transport error.
		d.AttemptCount++
		_, err = dsp.finish(persistCtx, sub, d, expected, Result{Err: err})
		return err
	}

	if err := dsp.limiter.Acquire(ctx, sub.TenantID); err != nil {
		d.AttemptCount++
		_, err = dsp.finish(persistCtx, sub, d, expected, Result{Err: fmt.Errorf("wait for delivery slot: %w", err)})
		return err
	}
	defer dsp.limiter.Release(sub.TenantID)

	if err := dsp.rates.Wait(ctx, sub.ID.String(), sub.RateLimit); err != nil {
		d.AttemptCount++
		_, err = dsp.finish(persistCtx, sub, d, expected, Result{Err: fmt.Errorf("rate limit: %w", err)})
		return err
	}

	d.AttemptCount++
	spanCtx, span := dsp.tracer.StartDeliverySpan(ctx, d.ID.String(), sub.ID.String(), d.Event, d.AttemptCount)
	end := dsp.metrics.Begin()
	res := dsp.sender.Send(spanCtx, Request{
		URL:        sub.URL,
		Secret:     sub.Secret,
		Event:      d.Event,
		DeliveryID: d.ID.String(),
		Headers:    sub.Headers,
		Payload:    d.Payload,
		Timeout:    sub.RetryPolicy.Timeout(),
	})
	end()

	var rej *ssrf.RejectedError
	if errors.As(res.Err, &rej) {
		// The dial hook refused the resolved address: same policy outcome
		// as a failed pre-check, but a request was attempted.
		dsp.tracer.EndDeliverySpan(span, 0, res.LatencyMs, Blocked.String(), res.Err)
		return dsp.block(persistCtx, sub, d, expected, rej)
	}

	decision, err := dsp.finish(persistCtx, sub, d, expected, res)
	dsp.tracer.EndDeliverySpan(span, res.StatusCode, res.LatencyMs, decision.String(), res.Err)
	return err
}

// finish classifies res, updates d and records it.
func (dsp *Dispatcher) finish(ctx context.Context, sub *subscription.Subscription, d *Delivery, expected int, res Result) (Decision, error) {
	now := dsp.now()
	decision := dsp.classifier.Decide(res, d)

	d.LatencyMs = res.LatencyMs
	d.NextRetryAt = nil
	d.ResponseStatus = nil
	d.ResponseBody = ""
	d.ErrorMessage = ""
	if res.Responded() {
		code := res.StatusCode
		d.ResponseStatus = &code
		d.ResponseBody = res.Body
	}

	var outcome subscription.Outcome
	switch decision {
	case Delivered:
		d.Status = StatusSuccess
		d.DeliveredAt = &now
		outcome = subscription.OutcomeSuccess
	case Rejected:
		d.Status = StatusFailed
		d.ErrorMessage = fmt.Sprintf("receiver responded %d", res.StatusCode)
		outcome = subscription.OutcomeFailure
	case Retry:
		next := dsp.classifier.NextRetry(now, sub.RetryPolicy, d.AttemptCount)
		d.Status = StatusFailed
		d.ErrorMessage = errString(res.Err)
		d.NextRetryAt = &next
		outcome = subscription.OutcomeFailure
		dsp.metrics.RetryScheduled()
	case Exhausted:
		d.Status = StatusFailed
		d.ErrorMessage = errString(res.Err)
		outcome = subscription.OutcomeFailure
	}

	dsp.metrics.RecordDelivery(decision.String(), float64(res.LatencyMs)/1000)

	applied, err := dsp.recorder.Record(ctx, d, expected)
	if err != nil {
		return decision, err
	}
	if applied {
		if err := dsp.recorder.UpdateCounters(ctx, sub.ID, outcome, now); err != nil {
			return decision, err
		}
	}

	dsp.log(ctx, d, decision)
	return decision, nil
}

// block records a terminal SSRF refusal. No counters change and no retry
// is scheduled.
func (dsp *Dispatcher) block(ctx context.Context, sub *subscription.Subscription, d *Delivery, expected int, cause error) error {
	d.Status = StatusFailed
	d.NextRetryAt = nil
	d.ResponseStatus = nil
	d.ResponseBody = ""
	d.ErrorMessage = "blocked by ssrf policy: " + cause.Error()
	dsp.metrics.Blocked()
	dsp.metrics.RecordDelivery(Blocked.String(), 0)

	dsp.logger.WarnContext(ctx, "delivery blocked by ssrf guard",
		"security", true,
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"tenant_id", sub.TenantID,
		"url", sub.URL,
		"error", cause,
	)

	_, err := dsp.recorder.Record(ctx, d, expected)
	return err
}

// Abandon marks a claimed record as terminally failed without sending.
func (dsp *Dispatcher) Abandon(ctx context.Context, d *Delivery, reason string) error {
	d.Status = StatusFailed
	d.NextRetryAt = nil
	d.ErrorMessage = reason
	_, err := dsp.recorder.Record(context.WithoutCancel(ctx), d, d.AttemptCount)
	return err
}

// Reschedule returns a claimed record to the failed state with a new retry
// time, without counting an attempt.
func (dsp *Dispatcher) Reschedule(ctx context.Context, d *Delivery, at time.Time, reason string) error {
	d.Status = StatusFailed
	d.NextRetryAt = &at
	d.ErrorMessage = reason
	_, err := dsp.recorder.Record(context.WithoutCancel(ctx), d, d.AttemptCount)
	return err
}

// Forget drops per-subscription state held by the dispatcher.
func (dsp *Dispatcher) Forget(subID id.ID) {
	dsp.rates.Reset(subID.String())
}

// TestSend makes one signed request to sub without creating a record or
// touching counters. The SSRF guard applies as for real sends.
func (dsp *Dispatcher) TestSend(ctx context.Context, sub *subscription.Subscription, event string, payload []byte) TestResult {
	if err := dsp.guard.Validate(ctx, sub.URL); err != nil {
		if errors.Is(err, ssrf.ErrBlocked) {
			dsp.metrics.Blocked()
			dsp.logger.WarnContext(ctx, "test send blocked by ssrf guard",
				"security", true, "subscription_id", sub.ID, "url", sub.URL, "error", err)
		}
		return TestResult{Error: err.Error()}
	}

	res := dsp.sender.Send(ctx, Request{
		URL:     sub.URL,
		Secret:  sub.Secret,
		Event:   event,
		Headers: sub.Headers,
		Payload: payload,
		Timeout: sub.RetryPolicy.Timeout(),
	})

	out := TestResult{
		Success:    res.StatusCode >= 200 && res.StatusCode < 300,
		StatusCode: res.StatusCode,
		LatencyMs:  res.LatencyMs,
	}
	switch {
	case res.Err != nil:
		out.Error = res.Err.Error()
	case !out.Success:
		out.Error = fmt.Sprintf("receiver responded %d", res.StatusCode)
	}
	return out
}

func (dsp *Dispatcher) log(ctx context.Context, d *Delivery, decision Decision) {
	attrs := []any{
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"event", d.Event,
		"attempt", d.AttemptCount,
		"decision", decision.String(),
	}
	if d.ResponseStatus != nil {
		attrs = append(attrs, "status", *d.ResponseStatus)
	}
	switch decision {
	case Delivered:
		dsp.logger.DebugContext(ctx, "delivered", attrs...)
	case Retry:
		dsp.logger.InfoContext(ctx, "retry scheduled", append(attrs, "next_retry_at", d.NextRetryAt, "error", d.ErrorMessage)...)
	default:
		dsp.logger.WarnContext(ctx, "delivery failed", append(attrs, "error", d.ErrorMessage)...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
