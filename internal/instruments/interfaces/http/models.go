package http

import (
	"fmt"
	"net/http"
	"strconv"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	instruments "airquality-cloud/internal/instruments/domain"
)

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	env, err := h.Models.List(r.Context(), auth.PrincipalFromContext(r.Context()), h.params(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) getModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.Models.Get(r.Context(), auth.PrincipalFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) createModel(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.Models.Create(r.Context(), auth.PrincipalFromContext(r.Context()), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionModelCreate, "model", fmt.Sprint(out["id"]), body)
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) deleteModel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Models.Delete(r.Context(), auth.PrincipalFromContext(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionModelDelete, "model", strconv.FormatInt(id, 10), nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"result": fmt.Sprintf("deleted model %d", id)})
}

func (h *Handler) mapSummary(w http.ResponseWriter, r *http.Request) {
	if h.Map == nil {
		h.writeError(w, r, fmt.Errorf("%w: map summaries are not configured", instruments.ErrNotFound))
		return
	}
	body, err := h.Map.Summary(r.Context(), r.PathValue("pollutant"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
