package api

import (
	"encoding/json"
	"net/http"

	"github.com/xraph/herald"
	"github.com/xraph/herald/delivery"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/subscription"
)

// subscriptionWithSecret is returned once, on creation, so the owner can
// configure signature verification.
type subscriptionWithSecret struct {
	*subscription.Subscription
	Secret string `json:"secret"`
}

type testRequest struct {
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (a *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var in subscription.Input
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	in.TenantID = tenantID

	sub, err := a.herald.Subscriptions().Create(r.Context(), in)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusCreated, subscriptionWithSecret{Subscription: sub, Secret: sub.Secret})
}

func (a *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	opts := subscription.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	switch queryParam(r, "active") {
	case "true":
		v := true
		opts.Active = &v
	case "false":
		v := false
		opts.Active = &v
	}

	subs, err := a.herald.Subscriptions().List(r.Context(), tenantID, opts)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, subs)
}

func (a *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *Handler) updateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}

	var p subscription.Patch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := a.herald.Subscriptions().Update(r.Context(), sub.ID, p)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (a *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}

	if err := a.herald.Subscriptions().Delete(r.Context(), sub.ID); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *Handler) rotateSecret(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}

	secret, err := a.herald.Subscriptions().RotateSecret(r.Context(), sub.ID)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

func (a *Handler) testSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}

	var req testRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	res, err := a.herald.TestSend(r.Context(), sub.ID, req.Event, payload)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (a *Handler) listSubscriptionDeliveries(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}

	opts, ok := deliveryListOpts(w, r)
	if !ok {
		return
	}
	opts.SubscriptionID = sub.ID

	ds, err := a.herald.ListDeliveries(r.Context(), opts)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

// ownedSubscription loads the {id} subscription and checks it belongs to
// the request tenant. Another tenant's subscription is reported as missing.
func (a *Handler) ownedSubscription(w http.ResponseWriter, r *http.Request) (*subscription.Subscription, bool) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return nil, false
	}

	subID, err := id.ParseSubscriptionID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription ID")
		return nil, false
	}

	sub, err := a.herald.Subscriptions().Get(r.Context(), subID)
	if err == nil && sub.TenantID != tenantID {
		err = herald.ErrSubscriptionNotFound
	}
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return nil, false
	}
	return sub, true
}

func deliveryListOpts(w http.ResponseWriter, r *http.Request) (delivery.ListOpts, bool) {
	opts := delivery.ListOpts{
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 50),
	}
	if st := delivery.Status(queryParam(r, "status")); st != "" {
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return opts, false
		}
		opts.Status = st
	}
	return opts, true
}
