package http

import (
	"net/http"
	"strconv"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
)

func (h *Handler) listLogs(w http.ResponseWriter, r *http.Request) {
	h.writeLogs(w, r, "")
}

func (h *Handler) listDeviceLogs(w http.ResponseWriter, r *http.Request) {
	h.writeLogs(w, r, r.PathValue("sn"))
}

func (h *Handler) writeLogs(w http.ResponseWriter, r *http.Request, sn string) {
	env, err := h.Logs.List(r.Context(), auth.PrincipalFromContext(r.Context()), sn, h.params(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// getLog serves /log/{id}. A non-numeric segment names a device.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	if _, err := strconv.ParseInt(r.PathValue("id"), 10, 64); err != nil {
		h.writeLogs(w, r, r.PathValue("id"))
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.Logs.Get(r.Context(), auth.PrincipalFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Logs.Render(*entry))
}

func (h *Handler) createLog(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.Logs.Create(r.Context(), auth.PrincipalFromContext(r.Context()), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionLogCreate, "log", strconv.FormatInt(entry.ID, 10), body)
	writeJSON(w, http.StatusCreated, h.Logs.Render(*entry))
}

func (h *Handler) updateLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.Logs.Update(r.Context(), auth.PrincipalFromContext(r.Context()), id, body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionLogUpdate, "log", strconv.FormatInt(id, 10), body)
	w.WriteHeader(http.StatusNoContent)
}
