package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/collection"
	"airquality-cloud/internal/errtrack"
	"airquality-cloud/internal/httpcache"
	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/mapsummary"

	"go.uber.org/zap"
)

const (
	dateLayout   = "2006-01-02"
	maxBodyBytes = 1 << 20
)

// Deps groups the collaborators of the API handler.
type Deps struct {
	Instruments *application.InstrumentService
	Data        *application.DataService
	Ingest      *application.IngestService
	Exports     *application.ExportService
	Models      *application.ModelService
	Logs        *application.LogService
	Map         *mapsummary.Service
	Audit       audit.Logger
	Reporter    errtrack.Reporter
	Logger      *zap.Logger
	Clock       application.Clock

	BaseURL           string
	DefaultPerPage    int
	MaxPerPage        int
	DataPointsPerPage int
}

// Handler serves the instrument API.
type Handler struct {
	Deps
}

// NewHandler constructs a handler.
func NewHandler(d Deps) (*Handler, error) {
	switch {
	case d.Instruments == nil:
		return nil, errors.New("api handler: nil instrument service")
	case d.Data == nil:
		return nil, errors.New("api handler: nil data service")
	case d.Ingest == nil:
		return nil, errors.New("api handler: nil ingest service")
	case d.Logs == nil:
		return nil, errors.New("api handler: nil log service")
	case d.Models == nil:
		return nil, errors.New("api handler: nil model service")
	}
	if d.Audit == nil {
		d.Audit = &audit.MemoryLogger{}
	}
	if d.Reporter == nil {
		d.Reporter = errtrack.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = application.SystemClock{}
	}
	if d.DefaultPerPage < 1 {
		d.DefaultPerPage = 50
	}
	if d.MaxPerPage < 1 {
		d.MaxPerPage = 10000
	}
	if d.DataPointsPerPage < 1 {
		d.DataPointsPerPage = 100
	}
	return &Handler{Deps: d}, nil
}

// Register mounts every route on mux. GET responses carry entity tags
// except the streamed CSV download.
func (h *Handler) Register(mux *http.ServeMux) {
	cached := func(fn http.HandlerFunc) http.Handler { return httpcache.Wrap(fn) }

	mux.Handle("GET /auth/{$}", cached(h.authCheck))

	mux.Handle("GET /device/{$}", cached(h.listDevices))
	mux.HandleFunc("POST /device/{$}", h.createDevice)
	mux.Handle("GET /device/{sn}", cached(h.getDevice))
	mux.HandleFunc("PUT /device/{sn}", h.updateDevice)
	mux.HandleFunc("DELETE /device/{sn}", h.deleteDevice)
	mux.HandleFunc("POST /device/{sn}/credentials", h.rotateCredential)
	mux.HandleFunc("PUT /device/{sn}/models/{slot}", h.assignModel)
	mux.Handle("GET /device/{sn}/plot", cached(h.plot))
	mux.Handle("GET /device/{sn}/latest", cached(h.latest))
	mux.Handle("GET /device/{sn}/data/{$}", cached(h.listData(false)))
	mux.Handle("GET /researcher/device/{sn}/data/{$}", cached(h.listData(true)))
	mux.Handle("GET /device/{sn}/data/{id}", cached(h.getDatum))
	mux.HandleFunc("PUT /device/{sn}/data/{id}", h.flagDatum)

	mux.HandleFunc("POST /data/{$}", h.ingestJSON)
	mux.HandleFunc("POST /data/webhook/{$}", h.webhook)
	mux.HandleFunc("POST /data/webhook/meta/{$}", h.webhookMeta)
	mux.HandleFunc("GET /data/csv/{sn}/{start}/{end}/{$}", h.downloadCSV)
	mux.Handle("GET /data/xlsx/{sn}/{start}/{end}/{$}", cached(h.downloadXLSX))
	mux.Handle("GET /data/pdf/{sn}/{start}/{end}/{$}", cached(h.downloadPDF))
	mux.HandleFunc("POST /data/export/{sn}/{start}/{end}/{$}", h.export)

	mux.Handle("GET /log/{$}", cached(h.listLogs))
	mux.HandleFunc("POST /log/{$}", h.createLog)
	mux.Handle("GET /log/{id}", cached(h.getLog))
	mux.HandleFunc("PUT /log/{id}", h.updateLog)
	mux.Handle("GET /log/{sn}/{$}", cached(h.listDeviceLogs))

	mux.Handle("GET /models/{$}", cached(h.listModels))
	mux.HandleFunc("POST /models/{$}", h.createModel)
	mux.Handle("GET /models/{id}", cached(h.getModel))
	mux.HandleFunc("DELETE /models/{id}", h.deleteModel)

	mux.Handle("GET /map/{pollutant}", cached(h.mapSummary))
}

func (h *Handler) authCheck(w http.ResponseWriter, r *http.Request) {
	if auth.PrincipalFromContext(r.Context()).IsAnonymous() {
		h.writeError(w, r, auth.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Authentication Check": "All good!"})
}

func (h *Handler) params(r *http.Request) collection.Params {
	return collection.ParseParams(r, h.BaseURL, h.DefaultPerPage, h.MaxPerPage)
}

func (h *Handler) dataParams(r *http.Request) collection.Params {
	return collection.ParseParams(r, h.BaseURL, h.DataPointsPerPage, h.MaxPerPage)
}

func (h *Handler) record(r *http.Request, action, resourceType, resourceID string, metadata any) {
	var raw json.RawMessage
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			raw = b
		}
	}
	entry := audit.FromRequest(r, audit.Entry{
		Actor:         auth.PrincipalFromContext(r.Context()).Subject(),
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Metadata:      raw,
		PayloadDigest: audit.DigestJSON(raw),
	})
	if err := h.Audit.Log(r.Context(), entry); err != nil {
		h.Logger.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify maps an error to its status and kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, instruments.ErrValidation):
		return http.StatusBadRequest, "bad request"
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, instruments.ErrNotFound), errors.Is(err, registry.ErrNoTable),
		errors.Is(err, mapsummary.ErrUnknownPollutant):
		return http.StatusNotFound, "not found"
	case errors.Is(err, instruments.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, instruments.ErrEmptyResult):
		return http.StatusUnprocessableEntity, "empty result"
	case errors.Is(err, instruments.ErrStorage):
		return http.StatusBadGateway, "storage failure"
	}
	return http.StatusInternalServerError, "internal server error"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classify(err)
	message := err.Error()
	switch status {
	case http.StatusForbidden:
		if auth.PrincipalFromContext(r.Context()).IsAnonymous() {
			status, kind, message = http.StatusUnauthorized, "unauthorized", "authentication required"
			w.Header().Set("WWW-Authenticate", `Basic realm="api"`)
		}
	case http.StatusInternalServerError:
		h.Logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		h.Reporter.Report(r.Context(), err, map[string]string{"method": r.Method, "path": r.URL.Path})
		message = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeJSON reads a JSON object body.
func decodeJSON(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", instruments.ErrValidation, err)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil || out == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", instruments.ErrValidation)
	}
	return out, nil
}

// webhookEvent reads coreid, name and data from a form or a JSON body.
func webhookEvent(r *http.Request) (application.WebhookEvent, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		body, err := decodeJSON(r)
		if err != nil {
			return application.WebhookEvent{}, err
		}
		ev := application.WebhookEvent{}
		ev.CoreID, _ = body["coreid"].(string)
		ev.Name, _ = body["name"].(string)
		ev.Data, _ = body["data"].(string)
		return ev, requireCoreID(ev)
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return application.WebhookEvent{}, fmt.Errorf("%w: %v", instruments.ErrValidation, err)
	}
	ev := application.WebhookEvent{
		CoreID: r.PostForm.Get("coreid"),
		Name:   r.PostForm.Get("name"),
		Data:   r.PostForm.Get("data"),
	}
	return ev, requireCoreID(ev)
}

func requireCoreID(ev application.WebhookEvent) error {
	if strings.TrimSpace(ev.CoreID) == "" {
		return fmt.Errorf("%w: coreid is required", instruments.ErrValidation)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", instruments.ErrNotFound, name)
	}
	return id, nil
}

// dateRange parses {start}/{end} as YYYY-MM-DD in UTC.
func dateRange(r *http.Request) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, r.PathValue("start"), time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start must be YYYY-MM-DD", instruments.ErrValidation)
	}
	end, err := time.ParseInLocation(dateLayout, r.PathValue("end"), time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end must be YYYY-MM-DD", instruments.ErrValidation)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end must not be before start", instruments.ErrValidation)
	}
	return start, end, nil
}

// Recover turns a handler panic into a reported 500.
func (h *Handler) Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				h.writeError(w, r, fmt.Errorf("panic: %v", v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
