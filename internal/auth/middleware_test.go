package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
)

type stubStore struct {
	byToken map[string]*Principal
	byUser  map[int64]*Principal
}

func (s stubStore) PrincipalByToken(_ context.Context, token string) (*Principal, error) {
	return s.byToken[token], nil
}

func (s stubStore) PrincipalByUserID(_ context.Context, id int64) (*Principal, error) {
	return s.byUser[id], nil
}

func newStubStore() stubStore {
	uid := int64(9)
	user := &Principal{Token: "USERTOKEN", UserID: &uid, Permissions: PermFollow | PermAPIRead}
	return stubStore{
		byToken: map[string]*Principal{"USERTOKEN": user},
		byUser:  map[int64]*Principal{uid: user},
	}
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := PrincipalFromContext(r.Context())
		if p == nil {
			_, _ = w.Write([]byte("anonymous"))
			return
		}
		_, _ = w.Write([]byte(p.Token))
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	mw := NewMiddleware(newStubStore(), []byte("test-secret"), NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(echoPrincipal())

	req := httptest.NewRequest(http.MethodGet, "/device/", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"error":"unauthorized"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestAuthMiddleware_BasicToken(t *testing.T) {
	mw := NewMiddleware(newStubStore(), []byte("test-secret"), NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(echoPrincipal())

	req := httptest.NewRequest(http.MethodGet, "/device/", nil)
	req.SetBasicAuth("USERTOKEN", "")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || resp.Body.String() != "USERTOKEN" {
		t.Fatalf("expected principal, got %d %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/device/", nil)
	req.SetBasicAuth("WRONG", "")
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", resp.Code)
	}
}

func TestAuthMiddleware_BearerSession(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(newStubStore(), secret, NewDefaultPolicy(nil, nil), nil)
	handler := mw.Wrap(echoPrincipal())

	token, err := IssueSession(9, secret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/device/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	expired, _ := IssueSession(9, secret, time.Minute, time.Now().Add(-time.Hour))
	req = httptest.NewRequest(http.MethodGet, "/device/", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired session, got %d", resp.Code)
	}
}

func TestAuthMiddleware_OptionalAndExempt(t *testing.T) {
	policy := NewDefaultPolicy([]string{"/healthz"}, nil).WithOptional("/map/")
	mw := NewMiddleware(newStubStore(), []byte("s"), policy, nil)
	handler := mw.Wrap(echoPrincipal())

	for _, path := range []string{"/healthz", "/map/so2"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK || resp.Body.String() != "anonymous" {
			t.Fatalf("%s: expected anonymous pass-through, got %d %s", path, resp.Code, resp.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/map/so2", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsafe method, got %d", resp.Code)
	}
}

func TestNormalizeDeleteImpliesAdminister(t *testing.T) {
	if !PermDelete.Has(PermAdminister) {
		t.Fatal("delete must imply administer")
	}
	if !Permission(0x90).Has(PermDelete | PermAdminister) {
		t.Fatal("legacy mask must stay compatible")
	}
	if PermAdminister.Has(PermDelete) {
		t.Fatal("administer must not imply delete")
	}
}

func TestEvaluator(t *testing.T) {
	owner := int64(1)
	group := int64(2)
	inst := instruments.Instrument{SN: "MIT1", Private: true, OwnerID: &owner, GroupID: &group}
	mit := registry.MustLookup(instruments.FamilyMIT)

	anon := (*Principal)(nil)
	if CanView(anon, inst) {
		t.Fatal("anonymous must not see private instrument")
	}
	member := &Principal{UserID: new(int64), Permissions: PermAPIRead, GroupIDs: []int64{group}}
	if !CanView(member, inst) {
		t.Fatal("group member must see instrument")
	}
	device := &Principal{InstrumentSN: "MIT1", Permissions: DevicePermissions}
	if !CanView(device, inst) || !CanIngest(device, "MIT1") || CanIngest(device, "OTHER") {
		t.Fatal("device must see and write only itself")
	}
	if CanDrop(device) {
		t.Fatal("device must not drop")
	}
	admin := &Principal{UserID: new(int64), Permissions: 0xff}
	if !CanView(admin, inst) || !CanDrop(admin) {
		t.Fatal("administrator must see and drop")
	}

	public := VisibleColumns(member, mit)
	if _, ok := public["co_we"]; ok {
		t.Fatal("public columns leaked raw voltage")
	}
	researcher := &Principal{UserID: new(int64), Permissions: PermAPIRead | PermViewResearchData}
	if _, ok := VisibleColumns(researcher, mit)["co_we"]; !ok {
		t.Fatal("researcher must see raw voltage")
	}

	redacted := Redact(map[string]any{"co": 1.0, "co_we": 2.0}, public)
	if _, ok := redacted["co_we"]; ok || redacted["co"] != 1.0 {
		t.Fatalf("unexpected redaction %v", redacted)
	}

	ownerPrincipal := &Principal{UserID: &owner, Permissions: PermAPIRead}
	if _, ok := InstrumentColumns(ownerPrincipal, inst)["particle_id"]; !ok {
		t.Fatal("owner must see private instrument attributes")
	}
	if _, ok := InstrumentColumns(member, inst)["particle_id"]; ok {
		t.Fatal("member must not see private instrument attributes")
	}
}

func TestWebhookSignature(t *testing.T) {
	secret := []byte("hook")
	mw := NewWebhookSignature(secret, time.Minute)
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"coreid":"abc"}`
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/data/webhook/", strings.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", SignWebhook(secret, ts, []byte(body)))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/data/webhook/", strings.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
