package http

import (
	"fmt"
	"net/http"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	instruments "airquality-cloud/internal/instruments/domain"
)

func (h *Handler) listDevices(w http.ResponseWriter, r *http.Request) {
	env, err := h.Instruments.List(r.Context(), auth.PrincipalFromContext(r.Context()), h.params(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) getDevice(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	inst, err := h.Instruments.Get(r.Context(), p, r.PathValue("sn"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Instruments.Render(p, *inst))
}

func (h *Handler) createDevice(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p := auth.PrincipalFromContext(r.Context())
	created, err := h.Instruments.Create(r.Context(), p, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionDeviceCreate, "instrument", created.Instrument.SN, map[string]any{"family": created.Instrument.Family})
	out := h.Instruments.Render(p, created.Instrument)
	out["token"] = created.Token
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) updateDevice(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sn := r.PathValue("sn")
	if _, err := h.Instruments.Update(r.Context(), auth.PrincipalFromContext(r.Context()), sn, body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionDeviceUpdate, "instrument", sn, body)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteDevice(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	if err := h.Instruments.Delete(r.Context(), auth.PrincipalFromContext(r.Context()), sn); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionDeviceDelete, "instrument", sn, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"result": fmt.Sprintf("deleted device '%s'", sn)})
}

func (h *Handler) rotateCredential(w http.ResponseWriter, r *http.Request) {
	sn := r.PathValue("sn")
	token, err := h.Instruments.RotateCredential(r.Context(), auth.PrincipalFromContext(r.Context()), sn)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionCredentialRotate, "instrument", sn, nil)
	writeJSON(w, http.StatusCreated, map[string]string{"instr_sn": sn, "token": token})
}

// assignModel sets or clears ({"model_id": null}) a calibration slot.
func (h *Handler) assignModel(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	raw, present := body["model_id"]
	if !present {
		h.writeError(w, r, fmt.Errorf("%w: model_id is required", instruments.ErrValidation))
		return
	}
	var modelID *int64
	if raw != nil {
		f, ok := raw.(float64)
		if !ok || f < 1 || f != float64(int64(f)) {
			h.writeError(w, r, fmt.Errorf("%w: model_id must be a positive integer or null", instruments.ErrValidation))
			return
		}
		id := int64(f)
		modelID = &id
	}
	p := auth.PrincipalFromContext(r.Context())
	sn, slot := r.PathValue("sn"), instruments.Slot(r.PathValue("slot"))
	inst, err := h.Instruments.AssignModel(r.Context(), p, sn, slot, modelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionModelAssign, "instrument", sn, map[string]any{"slot": slot, "model_id": modelID})
	writeJSON(w, http.StatusOK, h.Instruments.Render(p, *inst))
}
