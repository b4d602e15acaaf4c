package api

import (
	"encoding/json"
	"net/http"
)

type triggerRequest struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`

	// Async returns as soon as the event is validated.
	Async bool `json:"async,omitempty"`
}

func (a *Handler) triggerEvent(w http.ResponseWriter, r *http.Request) {
	if _, ok := tenant(w, r); !ok {
		return
	}

	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	trigger := a.herald.Trigger
	if req.Async {
		trigger = a.herald.Emit
	}
	if err := trigger(r.Context(), req.Event, req.Payload); err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event": req.Event})
}
