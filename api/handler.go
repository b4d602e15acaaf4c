// Package api provides the admin HTTP API for Herald.
//
// Tenant-scoped routes read the tenant from the X-Tenant-ID header. Event
// type routes are global.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/herald"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/ssrf"
	"github.com/xraph/herald/subscription"
)

// TenantHeader carries the caller's tenant.
const TenantHeader = "X-Tenant-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler is the root HTTP handler for the Herald admin API.
type Handler struct {
	herald   *herald.Herald
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewHandler creates the admin API. gatherer backs GET /metrics and may be
// nil, in which case the route is not mounted.
func NewHandler(h *herald.Herald, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Handler{
		herald:   h,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	a.registerRoutes()
	return a
}

func (a *Handler) registerRoutes() {
	// Subscriptions
	a.mux.HandleFunc("POST /subscriptions", a.createSubscription)
	a.mux.HandleFunc("GET /subscriptions", a.listSubscriptions)
	a.mux.HandleFunc("GET /subscriptions/{id}", a.getSubscription)
	a.mux.HandleFunc("PATCH /subscriptions/{id}", a.updateSubscription)
	a.mux.HandleFunc("DELETE /subscriptions/{id}", a.deleteSubscription)
	a.mux.HandleFunc("POST /subscriptions/{id}/rotate-secret", a.rotateSecret)
	a.mux.HandleFunc("POST /subscriptions/{id}/test", a.testSubscription)
	a.mux.HandleFunc("GET /subscriptions/{id}/deliveries", a.listSubscriptionDeliveries)

	// Deliveries
	a.mux.HandleFunc("GET /deliveries", a.listDeliveries)
	a.mux.HandleFunc("GET /deliveries/{id}", a.getDelivery)

	// Events
	a.mux.HandleFunc("POST /events", a.triggerEvent)

	// Event types
	a.mux.HandleFunc("POST /event-types", a.registerEventType)
	a.mux.HandleFunc("GET /event-types", a.listEventTypes)
	a.mux.HandleFunc("GET /event-types/{name}", a.getEventType)
	a.mux.HandleFunc("DELETE /event-types/{name}", a.deleteEventType)

	// Operations
	a.mux.HandleFunc("GET /healthz", a.healthz)
	if a.gatherer != nil {
		a.mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}
}

// ServeHTTP implements http.Handler.
func (a *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.withMiddleware(a.mux).ServeHTTP(w, r)
}

func (a *Handler) withMiddleware(next http.Handler) http.Handler {
	return a.panicRecovery(a.logging(a.tenantScope(next)))
}

func (a *Handler) tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenantID := r.Header.Get(TenantHeader); tenantID != "" {
			r = r.WithContext(scope.WithTenant(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		a.logger.InfoContext(r.Context(), "api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"tenant_id", r.Header.Get(TenantHeader),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (a *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.ErrorContext(r.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.herald.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// tenant returns the request tenant or writes 400.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, ok := scope.Capture(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, TenantHeader+" header is required")
	}
	return tenantID, ok
}

// writeServiceError maps domain errors to HTTP statuses.
func (a *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var verr *subscription.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, herald.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, herald.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, herald.ErrUnknownEvent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, herald.ErrPayloadValidationFailed),
		errors.Is(err, herald.ErrInvalidPayload),
		errors.Is(err, ssrf.ErrBlocked):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, herald.ErrTenantRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, herald.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		a.logger.ErrorContext(ctx, "api internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// queryParam returns a query parameter value, or empty string if not present.
func queryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// queryInt returns a non-negative query parameter as int, or defaultVal.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
