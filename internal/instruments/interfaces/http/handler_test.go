package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"airquality-cloud/internal/audit"
	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/instruments/application"
	"airquality-cloud/internal/instruments/infrastructure/memory"
	"airquality-cloud/internal/storage"
	api "airquality-cloud/internal/instruments/interfaces/http"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2018, 3, 10, 12, 0, 0, 0, time.UTC)

type server struct {
	srv   *httptest.Server
	key   string
	audit *audit.MemoryLogger
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := memory.NewStore()
	clock := fixedClock{now: testNow}
	const base = "http://api"

	devices, err := application.NewInstrumentService(store, clock, base)
	require.NoError(t, err)
	data, err := application.NewDataService(store, clock, base)
	require.NoError(t, err)
	ingest, err := application.NewIngestService(store, nil, nil, clock, nil)
	require.NoError(t, err)
	models, err := application.NewModelService(store, nil, storage.NewUploadPolicy([]string{"yaml"}), clock, base)
	require.NoError(t, err)
	logs, err := application.NewLogService(store, clock, base)
	require.NoError(t, err)
	users, err := application.NewUserService(store, clock)
	require.NoError(t, err)
	_, key, err := users.Add(context.Background(), "admin@example.com", "Admin", "Administrator")
	require.NoError(t, err)

	trail := &audit.MemoryLogger{}
	handler, err := api.NewHandler(api.Deps{
		Instruments: devices,
		Data:        data,
		Ingest:      ingest,
		Models:      models,
		Logs:        logs,
		Audit:       trail,
		Clock:       clock,
		BaseURL:     base,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	handler.Register(mux)
	policy := auth.NewDefaultPolicy(nil, nil).WithOptional("/map/")
	mw := auth.NewMiddleware(store, []byte("secret"), policy, nil)
	srv := httptest.NewServer(mw.Wrap(mux))
	t.Cleanup(srv.Close)
	return &server{srv: srv, key: key, audit: trail}
}

func (s *server) do(t *testing.T, method, path, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.SetBasicAuth(s.key, "")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestDeviceLifecycle(t *testing.T) {
	s := newServer(t)

	resp := s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit","particle_id":"core-1"}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode(t, resp)
	assert.Equal(t, "MIT1", created["sn"])
	assert.Len(t, created["token"], 24)

	resp = s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit"}`, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, http.MethodPut, "/device/MIT1", `{"city":"Cambridge"}`, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/device/MIT1", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("ETag"))
	assert.Equal(t, "Cambridge", decode(t, resp)["city"])

	resp = s.do(t, http.MethodDelete, "/device/MIT1", "", true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "deleted device 'MIT1'", decode(t, resp)["result"])

	resp = s.do(t, http.MethodGet, "/device/MIT1", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var actions []string
	for _, e := range s.audit.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{audit.ActionDeviceCreate, audit.ActionDeviceUpdate, audit.ActionDeviceDelete}, actions)
}

func TestAnonymousAccess(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/device/", `{"sn":"PUB","discriminator":"mit","private":false}`, true)
	s.do(t, http.MethodPost, "/device/", `{"sn":"PRIV","discriminator":"mit","private":true}`, true)

	for _, path := range []string{"/device/", "/device/PUB", "/device/PRIV", "/device/PUB/latest"} {
		resp := s.do(t, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "unauthorized", decode(t, resp)["error"], path)
	}

	resp := s.do(t, http.MethodGet, "/device/PUB", "", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/map/pm25", "", false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(t, http.MethodPost, "/device/", `{"sn":"X","discriminator":"mit"}`, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.do(t, http.MethodGet, "/auth/", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "All good!", decode(t, resp)["Authentication Check"])
}

func TestETagRevalidation(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit"}`, true)

	first := s.do(t, http.MethodGet, "/device/", "", true)
	tag := first.Header.Get("ETag")
	require.NotEmpty(t, tag)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/device/", nil)
	require.NoError(t, err)
	req.SetBasicAuth(s.key, "")
	req.Header.Set("If-None-Match", tag)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestDevicePagesWithTiedSortKey(t *testing.T) {
	s := newServer(t)
	for _, sn := range []string{"E6", "E2", "E4", "E1", "E5", "E3"} {
		resp := s.do(t, http.MethodPost, "/device/", `{"sn":"`+sn+`","discriminator":"ebam","city":"Delhi"}`, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	var seen []string
	for page := 1; page <= 6; page++ {
		resp := s.do(t, http.MethodGet, "/device/?sort=city&per_page=1&page="+strconv.Itoa(page), "", true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, ok := decode(t, resp)["data"].([]any)
		require.True(t, ok)
		require.Len(t, data, 1)
		seen = append(seen, data[0].(map[string]any)["sn"].(string))
	}
	assert.Equal(t, []string{"E1", "E2", "E3", "E4", "E5", "E6"}, seen)
}

func TestWebhookIngestAndCSV(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit","particle_id":"core-1"}`, true)

	tokens := []string{"2018-03-10T11:00:00Z", "3", "0", "45.5", "30.1",
		"250.1", "240.2", "210.3", "205.4", "300.5", "280.6", "190.7", "185.8"}
	for i := 0; i < 19; i++ {
		tokens = append(tokens, "100")
	}
	tokens = append(tokens, "1.5", "11", "12", "13", "14", "4.2", "1")
	form := url.Values{"coreid": {"core-1"}, "name": {"data"}, "data": {strings.Join(tokens, ",")}}

	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/data/webhook/", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.key, "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "All good!", decode(t, resp)["Webhook Post"])

	latest := s.do(t, http.MethodGet, "/device/MIT1/latest", "", true)
	require.Equal(t, http.StatusOK, latest.StatusCode)
	assert.Equal(t, 250.1, decode(t, latest)["co_we"])

	csv := s.do(t, http.MethodGet, "/data/csv/MIT1/2018-03-10/2018-03-11/", "", true)
	require.Equal(t, http.StatusOK, csv.StatusCode)
	assert.Contains(t, csv.Header.Get("Content-Disposition"), "MIT1-20180310-20180311.csv")
	assert.Empty(t, csv.Header.Get("ETag"))

	same := s.do(t, http.MethodGet, "/data/csv/MIT1/2018-03-10/2018-03-10/", "", true)
	assert.Equal(t, http.StatusOK, same.StatusCode)

	resp = s.do(t, http.MethodGet, "/data/csv/MIT1/2018-03-11/2018-03-10/", "", true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetaWebhookTestCall(t *testing.T) {
	s := newServer(t)
	resp := s.do(t, http.MethodPost, "/data/webhook/meta/", `{"coreid":"api","name":"spark/status","data":"online"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "NA", decode(t, resp)["Webhook Post"])

	resp = s.do(t, http.MethodPost, "/data/webhook/meta/", `{"name":"spark/status"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogRoutes(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit"}`, true)

	resp := s.do(t, http.MethodPost, "/log/", `{"instr_sn":"MIT1","message":"sensor swapped"}`, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode(t, resp)["id"].(float64)
	path := "/log/" + strconv.FormatInt(int64(id), 10)

	resp = s.do(t, http.MethodPut, path, `{"addressed":true}`, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, http.MethodGet, path, "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["addressed"])

	resp = s.do(t, http.MethodGet, "/log/MIT1/", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, resp)["data"], 1)
}

func TestUnknownObservationID(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/device/", `{"sn":"MIT1","discriminator":"mit"}`, true)

	resp := s.do(t, http.MethodGet, "/device/MIT1/data/abc", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = s.do(t, http.MethodGet, "/device/MIT1/data/42", "", true)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoverReportsPanics(t *testing.T) {
	store := memory.NewStore()
	devices, _ := application.NewInstrumentService(store, nil, "")
	data, _ := application.NewDataService(store, nil, "")
	ingest, _ := application.NewIngestService(store, nil, nil, nil, nil)
	models, _ := application.NewModelService(store, nil, storage.NewUploadPolicy(nil), nil, "")
	logs, _ := application.NewLogService(store, nil, "")
	handler, err := api.NewHandler(api.Deps{Instruments: devices, Data: data, Ingest: ingest, Models: models, Logs: logs})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/device/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error","message":"internal server error"}`, rec.Body.String())
}

func TestNewHandlerRequiresServices(t *testing.T) {
	_, err := api.NewHandler(api.Deps{})
	assert.Error(t, err)
}
