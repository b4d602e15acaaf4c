package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Herald Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsTriggered  prometheus.Counter
	Deliveries       *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	RetriesScheduled prometheus.Counter
	SSRFBlocked      prometheus.Counter
	InFlight         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler, or a
// private registry in tests. A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_events_triggered_total",
			Help: "Events passed to Trigger or Emit.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Latency of physical webhook sends.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_retries_scheduled_total",
			Help: "Transport failures that scheduled a retry.",
		}),
		SSRFBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herald_ssrf_blocked_total",
			Help: "Sends refused by the SSRF guard.",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herald_inflight_deliveries",
			Help: "Outbound requests currently in progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTriggered,
			m.Deliveries,
			m.DeliveryLatency,
			m.RetriesScheduled,
			m.SSRFBlocked,
			m.InFlight,
		)
	}
	return m
}

// RecordDelivery counts one attempt with the given outcome and latency.
func (m *Metrics) RecordDelivery(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}

// EventTriggered counts one triggered event.
func (m *Metrics) EventTriggered() {
	if m == nil {
		return
	}
	m.EventsTriggered.Inc()
}

// RetryScheduled counts one scheduled retry.
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.RetriesScheduled.Inc()
}

// Blocked counts one SSRF refusal.
func (m *Metrics) Blocked() {
	if m == nil {
		return
	}
	m.SSRFBlocked.Inc()
}

// Begin marks a request as in flight and returns the matching end func.
func (m *Metrics) Begin() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}
