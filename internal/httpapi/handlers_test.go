package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auditgate.org/internal/auth"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/obs"
	"auditgate.org/internal/portal"
)

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *gateway.InMemory
	grant   gateway.Grant
	t       *testing.T
}

func newTestAPI(t *testing.T, rp readinessChecker) *apiClient {
	t.Helper()

	clock := func() time.Time { return testNow }
	store := gateway.NewInMemory()
	logger := gateway.DirectLogger{Store: store, Now: clock}

	validator, err := gateway.NewValidator(store, logger, gateway.WithClock(clock))
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	proxy, err := gateway.NewDataProxy(store, logger)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	signer, err := auth.NewHandleSigner("httpapi-test-secret-0123456789", auth.WithClock(clock))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	sessions, err := portal.NewRegistry(signer, validator, proxy, logger, portal.WithRegistryClock(clock))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	g := gateway.Grant{
		OrganizationID: "org-1",
		AccessToken:    "auditor-token-1",
		SessionName:    "SQF recertification",
		AuditType:      gateway.AuditSQF,
		AuditorName:    "Dana Reyes",
		ValidFrom:      testNow.Add(-time.Hour),
		ValidUntil:     testNow.Add(48 * time.Hour),
		Scopes:         map[string]bool{"scope_documents": true},
	}
	if err := store.CreateGrant(context.Background(), &g); err != nil {
		t.Fatalf("create grant: %v", err)
	}
	store.PutRecords("documents",
		gateway.Record{"id": "d1", "organization_id": "org-1", "title": "Allergen control SOP", "updated_at": "2025-03-01T09:00:00Z"},
		gateway.Record{"id": "d2", "organization_id": "org-1", "title": "Food safety policy", "updated_at": "2025-03-10T09:00:00Z"},
	)

	api := New(rp, "test", sessions, WithRateLimit(100, 100), WithClock(clock))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		grant:   g,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, handle string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if handle != "" {
		req.Header.Set("Authorization", "Bearer "+handle)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) open() string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/portal/sessions", map[string]any{"token": c.grant.AccessToken}, "")
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected handshake status: %d", resp.StatusCode)
	}
	payload := decode[sessionResponse](c.t, resp)
	if payload.Handle == "" {
		c.t.Fatalf("empty handle issued")
	}
	return payload.Handle
}

func (c *apiClient) actions() []gateway.Action {
	var out []gateway.Action
	for _, e := range c.store.AccessLog() {
		out = append(out, e.Action)
	}
	return out
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		resp.Body.Close()
		t.Fatalf("expected %d, got %d", want, resp.StatusCode)
	}
}

func TestPortalBrowseFlow(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(http.MethodPost, "/v1/portal/sessions", map[string]any{"token": api.grant.AccessToken}, "")
	expectStatus(t, resp, http.StatusCreated)
	opened := decode[sessionResponse](t, resp)
	if opened.Overview.SessionName != "SQF recertification" {
		t.Fatalf("unexpected overview: %+v", opened.Overview)
	}
	if len(opened.Overview.Modules) != 1 || opened.Overview.Modules[0].Key != gateway.ModuleDocuments {
		t.Fatalf("unexpected module list: %+v", opened.Overview.Modules)
	}
	if opened.Overview.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", opened.Overview.AccessCount)
	}
	if opened.ExpiresAt.After(api.grant.ValidUntil) {
		t.Fatalf("handle outlives grant: %v", opened.ExpiresAt)
	}
	handle := opened.Handle

	resp = api.do(http.MethodGet, "/v1/portal/overview", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	ov := decode[portal.Overview](t, resp)
	if ov.ExpiresInText != "2d 0h" {
		t.Fatalf("unexpected countdown: %q", ov.ExpiresInText)
	}

	resp = api.do(http.MethodGet, "/v1/portal/modules/documents?q=safety", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	view := decode[portal.ModuleView](t, resp)
	if len(view.Records) != 1 || view.Records[0].Name != "Food safety policy" {
		t.Fatalf("unexpected records: %+v", view.Records)
	}

	resp = api.do(http.MethodPost, "/v1/portal/modules/documents/records/r1/expand", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	view = decode[portal.ModuleView](t, resp)
	if view.Expanded == nil || view.Expanded.Ref != "r1" {
		t.Fatalf("expected expanded record, got %+v", view.Expanded)
	}
	for _, f := range view.Expanded.Fields {
		if gateway.Hidden(f.Key) {
			t.Fatalf("hidden field rendered: %s", f.Key)
		}
	}

	resp = api.do(http.MethodPost, "/v1/portal/modules/documents/records/r1/collapse", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	view = decode[portal.ModuleView](t, resp)
	if view.Expanded != nil {
		t.Fatalf("expected collapsed view")
	}

	resp = api.do(http.MethodGet, "/v1/portal/modules/ncrs", nil, handle)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/portal/security", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	info := decode[portal.SecurityInfo](t, resp)
	if len(info.Sections) == 0 {
		t.Fatalf("expected security sections")
	}

	resp = api.do(http.MethodDelete, "/v1/portal/sessions", nil, handle)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/portal/overview", nil, handle)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	want := []gateway.Action{
		gateway.ActionLogin,
		gateway.ActionViewModule,
		gateway.ActionViewRecord,
		gateway.ActionViewModule,
	}
	got := api.actions()
	if len(got) != len(want) {
		t.Fatalf("unexpected access log: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("access log[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if rec := api.store.AccessLog()[2]; rec.ResourceID != "d2" {
		t.Fatalf("expected stored id in log, got %q", rec.ResourceID)
	}
}

func TestHandshakeFailures(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(http.MethodPost, "/v1/portal/sessions", map[string]any{"token": "nope"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[failureResponse](t, resp)
	if body.Outcome != gateway.OutcomeInvalid || body.Message == "" {
		t.Fatalf("unexpected failure body: %+v", body)
	}

	if _, err := api.store.RevokeGrant(context.Background(), api.grant.ID, "audit closed early", testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	resp = api.do(http.MethodPost, "/v1/portal/sessions", map[string]any{"token": api.grant.AccessToken}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	body = decode[failureResponse](t, resp)
	if body.Outcome != gateway.OutcomeRevoked {
		t.Fatalf("expected revoked outcome, got %s", body.Outcome)
	}

	resp = api.do(http.MethodPost, "/v1/portal/sessions", nil, "")
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestRevocationEndsLivePortal(t *testing.T) {
	api := newTestAPI(t, nil)
	handle := api.open()

	if _, err := api.store.RevokeGrant(context.Background(), api.grant.ID, "engagement ended", testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	resp := api.do(http.MethodGet, "/v1/portal/modules/documents", nil, handle)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[failureResponse](t, resp)
	if body.Outcome != gateway.OutcomeRevoked {
		t.Fatalf("expected revoked outcome, got %+v", body)
	}

	resp = api.do(http.MethodGet, "/v1/portal/overview", nil, handle)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestCollapseAfterRevocationReturnsNoRecords(t *testing.T) {
	api := newTestAPI(t, nil)
	handle := api.open()

	resp := api.do(http.MethodGet, "/v1/portal/modules/documents", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	if _, err := api.store.RevokeGrant(context.Background(), api.grant.ID, "engagement ended", testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	resp = api.do(http.MethodPost, "/v1/portal/modules/documents/records/r1/collapse", nil, handle)
	expectStatus(t, resp, http.StatusUnauthorized)
	body := decode[failureResponse](t, resp)
	if body.Outcome != gateway.OutcomeRevoked {
		t.Fatalf("expected revoked outcome, got %+v", body)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) sessionEvents(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		if entry["type"] == "session" {
			out = append(out, entry)
		}
	}
	return out
}

func TestSessionLifecycleIsLogged(t *testing.T) {
	logger := obs.Logger()
	origWriter := logger.Writer()
	var buf lockedBuffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(origWriter)

	api := newTestAPI(t, nil)
	resp := api.do(http.MethodPost, "/v1/portal/sessions", map[string]any{"token": "wrong-token"}, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	handle := api.open()
	resp = api.do(http.MethodDelete, "/v1/portal/sessions", nil, handle)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	events := buf.sessionEvents(t)
	if len(events) != 3 {
		t.Fatalf("expected 3 session lines, got %d: %v", len(events), events)
	}
	if events[0]["event"] != "session.refused" || events[0]["outcome"] != "invalid" {
		t.Fatalf("unexpected refusal line: %v", events[0])
	}
	if events[1]["event"] != "session.opened" || events[1]["session_id"] != api.grant.ID {
		t.Fatalf("unexpected open line: %v", events[1])
	}
	closed := events[2]
	if closed["event"] != "session.closed" || closed["session_id"] != api.grant.ID || closed["organization_id"] != api.grant.OrganizationID {
		t.Fatalf("close line not enriched from handle: %v", closed)
	}
	if closed["portal_id"] != events[1]["portal_id"] {
		t.Fatalf("portal id mismatch: %v vs %v", closed["portal_id"], events[1]["portal_id"])
	}
	if _, ok := closed["handle_expires_at"]; !ok {
		t.Fatalf("close line missing handle expiry: %v", closed)
	}

	buf.mu.Lock()
	leaked := strings.Contains(buf.buf.String(), api.grant.AccessToken) || strings.Contains(buf.buf.String(), "wrong-token")
	buf.mu.Unlock()
	if leaked {
		t.Fatal("access token written to the operator log")
	}
}

func TestDeepLinkHandshake(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(http.MethodGet, "/portal?token="+api.grant.AccessToken, nil, "")
	expectStatus(t, resp, http.StatusCreated)
	opened := decode[sessionResponse](t, resp)
	if opened.Handle == "" {
		t.Fatalf("expected handle from deep link")
	}
}

func TestRecordCallsRequireOpenModule(t *testing.T) {
	api := newTestAPI(t, nil)
	handle := api.open()

	resp := api.do(http.MethodPost, "/v1/portal/modules/documents/records/r1/expand", nil, handle)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/portal/modules/documents", nil, handle)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/portal/modules/documents/records/r9/expand", nil, handle)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/portal/modules/unknown", nil, handle)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPortalEndpointsRequireHandle(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(http.MethodGet, "/v1/portal/overview", nil, "")
	expectStatus(t, resp, http.StatusUnauthorized)
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}

	resp = api.do(http.MethodGet, "/v1/portal/overview", nil, "not-a-handle")
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.do(http.MethodGet, "/healthz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != serviceName {
		t.Fatalf("unexpected health body: %v", health)
	}

	resp = api.do(http.MethodGet, "/v1/info", nil, "")
	expectStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["time"] != "2025-03-14T12:00:00Z" {
		t.Fatalf("unexpected info time: %v", info["time"])
	}

	resp = api.do(http.MethodGet, "/readyz", nil, "")
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	down := newTestAPI(t, failingReadiness{})
	resp = down.do(http.MethodGet, "/readyz", nil, "")
	expectStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

type unreachableGrants struct{ *gateway.InMemory }

func (unreachableGrants) FindByToken(context.Context, string) (gateway.Grant, error) {
	return gateway.Grant{}, errors.New("dial tcp: connection refused")
}

func TestHandshakeConnectionError(t *testing.T) {
	clock := func() time.Time { return testNow }
	store := gateway.NewInMemory()
	logger := gateway.DirectLogger{Store: store, Now: clock}
	validator, err := gateway.NewValidator(unreachableGrants{store}, logger, gateway.WithClock(clock))
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	proxy, err := gateway.NewDataProxy(store, logger)
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	signer, err := auth.NewHandleSigner("httpapi-test-secret-0123456789", auth.WithClock(clock))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	sessions, err := portal.NewRegistry(signer, validator, proxy, logger)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	srv := httptest.NewServer(New(nil, "test", sessions).Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/portal/sessions", "application/json", bytes.NewBufferString(`{"token":"any"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	expectStatus(t, resp, http.StatusServiceUnavailable)
	body := decode[failureResponse](t, resp)
	if body.Outcome != gateway.OutcomeConnectionError {
		t.Fatalf("expected connection_error, got %s", body.Outcome)
	}
}
