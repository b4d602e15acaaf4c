package api

import (
	"errors"
	"net/http"

	"github.com/xraph/herald/catalog"
)

func (a *Handler) registerEventType(w http.ResponseWriter, r *http.Request) {
	var def catalog.Definition
	if err := decodeJSON(r, &def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := a.herald.Catalog().Register(r.Context(), def); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	got, err := a.herald.Catalog().Get(def.Name)
	if err != nil {
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, got)
}

func (a *Handler) listEventTypes(w http.ResponseWriter, r *http.Request) {
	defs := a.herald.Catalog().List(catalog.ListOpts{
		Group:  queryParam(r, "group"),
		Offset: queryInt(r, "offset", 0),
		Limit:  queryInt(r, "limit", 0),
	})
	writeJSON(w, http.StatusOK, defs)
}

func (a *Handler) getEventType(w http.ResponseWriter, r *http.Request) {
	def, err := a.herald.Catalog().Get(r.PathValue("name"))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event type not found")
			return
		}
		a.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (a *Handler) deleteEventType(w http.ResponseWriter, r *http.Request) {
	if err := a.herald.Catalog().Remove(r.PathValue("name")); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event type not found")
			return
		}
		a.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
