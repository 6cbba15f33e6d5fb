package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/export"
	instruments "airquality-cloud/internal/instruments/domain"

	"go.uber.org/zap"
)

func (h *Handler) listData(research bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := auth.PrincipalFromContext(r.Context())
		env, err := h.Data.List(r.Context(), p, r.PathValue("sn"), h.dataParams(r), research)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	}
}

func (h *Handler) getDatum(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.Data.Get(r.Context(), auth.PrincipalFromContext(r.Context()), r.PathValue("sn"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) flagDatum(w http.ResponseWriter, r *http.Request) {
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
	sn := r.PathValue("sn")
	out, err := h.Data.SetFlag(r.Context(), auth.PrincipalFromContext(r.Context()), sn, id, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionObservationFlag, "observation", fmt.Sprintf("%s/%d", sn, id), body)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request) {
	out, err := h.Data.Latest(r.Context(), auth.PrincipalFromContext(r.Context()), r.PathValue("sn"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) plot(w http.ResponseWriter, r *http.Request) {
	out, err := h.Data.Plot(r.Context(), auth.PrincipalFromContext(r.Context()), r.PathValue("sn"), r.URL.Query().Get("span"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ingestJSON(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p := auth.PrincipalFromContext(r.Context())
	got, err := h.Ingest.IngestJSON(r.Context(), p, body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Data.Render(p, got.Instrument, got.Observation))
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	ev, err := webhookEvent(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.Ingest.IngestWebhook(r.Context(), auth.PrincipalFromContext(r.Context()), ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"Webhook Post": "All good!"})
}

func (h *Handler) webhookMeta(w http.ResponseWriter, r *http.Request) {
	ev, err := webhookEvent(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entry, err := h.Ingest.LogEvent(r.Context(), auth.PrincipalFromContext(r.Context()), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]string{"Webhook Post": "NA"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"Webhook Post": "All good!"})
}

func (h *Handler) table(w http.ResponseWriter, r *http.Request) (export.Table, time.Time, time.Time, bool) {
	start, end, err := dateRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return export.Table{}, start, end, false
	}
	t, err := h.Data.Table(r.Context(), auth.PrincipalFromContext(r.Context()), r.PathValue("sn"), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return export.Table{}, start, end, false
	}
	return t, start, end, true
}

func attachment(w http.ResponseWriter, contentType, sn string, start, end time.Time, ext string) {
	name := fmt.Sprintf("%s-%s-%s.%s", sn, start.Format("20060102"), end.Format("20060102"), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
}

// downloadCSV streams the range as CSV.
func (h *Handler) downloadCSV(w http.ResponseWriter, r *http.Request) {
	t, start, end, ok := h.table(w, r)
	if !ok {
		return
	}
	attachment(w, "text/csv", r.PathValue("sn"), start, end, "csv")
	w.WriteHeader(http.StatusOK)
	if err := export.WriteCSV(w, t); err != nil {
		h.Logger.Warn("csv stream aborted", zap.String("sn", r.PathValue("sn")), zap.Error(err))
	}
}

func (h *Handler) downloadXLSX(w http.ResponseWriter, r *http.Request) {
	t, start, end, ok := h.table(w, r)
	if !ok {
		return
	}
	body, err := export.BuildXLSX(t, h.Clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attachment(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", r.PathValue("sn"), start, end, "xlsx")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = bytes.NewReader(body).WriteTo(w)
}

func (h *Handler) downloadPDF(w http.ResponseWriter, r *http.Request) {
	t, start, end, ok := h.table(w, r)
	if !ok {
		return
	}
	body, err := export.BuildSummaryPDF(t, start, end, h.Clock.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attachment(w, "application/pdf", r.PathValue("sn"), start, end, "pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = bytes.NewReader(body).WriteTo(w)
}

// export writes the range to the object store and returns its provenance.
func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	if h.Exports == nil {
		h.writeError(w, r, fmt.Errorf("%w: exports are not configured", instruments.ErrNotFound))
		return
	}
	start, end, err := dateRange(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	developer, _ := strconv.ParseBool(r.URL.Query().Get("developer"))
	sn := r.PathValue("sn")
	prov, err := h.Exports.Export(r.Context(), auth.PrincipalFromContext(r.Context()), sn, start, end, developer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.record(r, audit.ActionExport, "export", prov.Key, map[string]any{"sn": sn, "developer": developer})
	writeJSON(w, http.StatusCreated, prov.Fields())
}
