package api

import (
	"net/http"

	"github.com/xraph/herald/id"
)

func (a *Handler) listDeliveries(w http.ResponseWriter, r *http.Request) {
	if _, ok := tenant(w, r); !ok {
		return
	}

	opts, ok := deliveryListOpts(w, r)
	if !ok {
		return
	}
	if raw := queryParam(r, "subscription_id"); raw != "" {
		subID, err := id.ParseSubscriptionID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid subscription ID")
			return
		}
		opts.SubscriptionID = subID
	}

	ds, err := a.herald.ListDeliveries(r.Context(), opts)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, ds)
}

func (a *Handler) getDelivery(w http.ResponseWriter, r *http.Request) {
	if _, ok := tenant(w, r); !ok {
		return
	}

	delID, err := id.ParseDeliveryID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery ID")
		return
	}

	d, err := a.herald.GetDelivery(r.Context(), delID)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}
