//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/identity"
	"github.com/ashureev/stella/internal/session"
	"github.com/ashureev/stella/internal/stock"
	"github.com/ashureev/stella/internal/store"
	"github.com/ashureev/stella/internal/workflow"
)

type fakeWorkflow struct {
	mu       sync.Mutex
	keys     []string
	texts    []string
	items    []domain.Item
	msgErr   error
	sessions map[string]domain.SessionView
	ended    map[string]bool
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{
		sessions: make(map[string]domain.SessionView),
		ended:    make(map[string]bool),
	}
}

func (f *fakeWorkflow) record(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}

func (f *fakeWorkflow) lastKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return ""
	}
	return f.keys[len(f.keys)-1]
}

func (f *fakeWorkflow) Start(_ context.Context, key string) (domain.SessionView, error) {
	f.record(key)
	if key == "" {
		return domain.SessionView{}, session.ErrEmptyKey
	}
	v := domain.SessionView{SessionID: key, State: domain.StateIdle}
	f.mu.Lock()
	f.sessions[key] = v
	f.mu.Unlock()
	return v, nil
}

func (f *fakeWorkflow) Session(_ context.Context, key string) (domain.SessionView, bool) {
	f.record(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.sessions[key]
	return v, ok
}

func (f *fakeWorkflow) End(key string) bool {
	f.record(key)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[key]; !ok {
		return false
	}
	delete(f.sessions, key)
	f.ended[key] = true
	return true
}

func (f *fakeWorkflow) HandleMessage(_ context.Context, key, text string) (workflow.Outcome, error) {
	f.record(key)
	if f.msgErr != nil {
		return workflow.Outcome{}, f.msgErr
	}
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return workflow.Outcome{
		Reply:          "ok",
		Interpretation: domain.Interpretation{Intent: domain.IntentNormal, Items: []domain.Item{}, Risk: domain.RiskNormal},
		Session:        domain.SessionView{SessionID: key, State: domain.StateIdle},
	}, nil
}

func (f *fakeWorkflow) Authenticate(_ context.Context, key, _, pin string) (workflow.Result, error) {
	f.record(key)
	if pin != "123456" {
		return workflow.Result{State: domain.StateAuthenticating, Reply: "PIN inválido"}, nil
	}
	return workflow.Result{OK: true, State: domain.StateAuthenticated}, nil
}

func (f *fakeWorkflow) SubmitItems(_ context.Context, key string, items []domain.Item) (workflow.Result, error) {
	f.record(key)
	f.mu.Lock()
	f.items = append(f.items, items...)
	f.mu.Unlock()
	return workflow.Result{OK: true, State: domain.StateRequestingWithdrawal}, nil
}

func (f *fakeWorkflow) Confirm(_ context.Context, key string) (workflow.Result, error) {
	f.record(key)
	return workflow.Result{
		State:    domain.StateRequestingWithdrawal,
		Risk:     domain.RiskAmbiguous,
		Problems: []string{"Itens com estoque insuficiente: Luva M (solicitado 5, disponível 2)"},
	}, nil
}

func (f *fakeWorkflow) Cancel(_ context.Context, key string) (workflow.Result, error) {
	f.record(key)
	return workflow.Result{OK: true, State: domain.StateAuthenticated}, nil
}

func (f *fakeWorkflow) ConfirmIdentity(_ context.Context, key string) (workflow.Result, error) {
	f.record(key)
	return workflow.Result{State: domain.StateValidatingWithdrawal, AwaitingPIN: true}, nil
}

func (f *fakeWorkflow) SubmitFallbackPIN(_ context.Context, key, _ string) (workflow.Result, error) {
	f.record(key)
	return workflow.Result{OK: true, State: domain.StateAuthenticated}, nil
}

type fakeRepo struct {
	mu      sync.Mutex
	events  []domain.Event
	filters []store.EventFilter
	pingErr error
}

func (f *fakeRepo) RecordEvent(_ context.Context, e domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeRepo) ListEvents(_ context.Context, filter store.EventFilter) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return append([]domain.Event(nil), f.events...), nil
}

func (f *fakeRepo) CleanupEvents(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeRepo) RecordWithdrawal(context.Context, []domain.WithdrawalRecord) error { return nil }

func (f *fakeRepo) AverageWithdrawal(context.Context, string) (float64, bool, error) {
	return 0, false, nil
}

func (f *fakeRepo) SaveIdentity(context.Context, domain.IdentityTemplate) error { return nil }

func (f *fakeRepo) GetIdentity(context.Context, string) (domain.IdentityTemplate, error) {
	return domain.IdentityTemplate{}, errors.New("not found")
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }
func (f *fakeRepo) Close() error               { return nil }

var _ store.Repository = (*fakeRepo)(nil)

type testServer struct {
	wf   *fakeWorkflow
	repo *fakeRepo
	src  *stock.StaticSource
	srv  *httptest.Server
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()
	ts := &testServer{
		wf:   newFakeWorkflow(),
		repo: &fakeRepo{},
		src:  stock.NewStaticSource(stock.Level{Key: "luva_m", Name: "Luva M", Quantity: 10}),
	}
	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	NewHandler(ts.wf, ts.repo, ts.src, limiter, nil).RegisterRoutes(r)
	NewHealthHandler(ts.repo, nil).RegisterHealth(r)
	ts.srv = httptest.NewServer(r)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if sessionID != "" {
		req.Header.Set(identity.SessionHeaderName, sessionID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestSessionKeyFromHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/session/start", "kiosk-7", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var view domain.SessionView
	decodeBody(t, resp, &view)
	if view.SessionID != "kiosk-7" {
		t.Errorf("Expected session kiosk-7, got %q", view.SessionID)
	}
}

func TestSessionKeyFallsBackToDevice(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/session/start", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if key := ts.wf.lastKey(); !strings.HasPrefix(key, "dev_") {
		t.Errorf("Expected device-derived session key, got %q", key)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	if resp := ts.do(t, http.MethodGet, "/api/session", "s1", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 before start, got %d", resp.StatusCode)
	}
	ts.do(t, http.MethodPost, "/api/session/start", "s1", "")
	if resp := ts.do(t, http.MethodGet, "/api/session", "s1", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 after start, got %d", resp.StatusCode)
	}

	var ended map[string]any
	decodeBody(t, ts.do(t, http.MethodPost, "/api/session/end", "s1", ""), &ended)
	if ended["ended"] != true {
		t.Errorf("Expected ended=true, got %v", ended["ended"])
	}
	decodeBody(t, ts.do(t, http.MethodPost, "/api/session/end", "s1", ""), &ended)
	if ended["ended"] != false {
		t.Errorf("Expected ended=false on second end, got %v", ended["ended"])
	}
}

func TestPostMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/messages", "s1", `{"text":"oi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var out workflow.Outcome
	decodeBody(t, resp, &out)
	if out.Reply != "ok" || out.Session.SessionID != "s1" {
		t.Errorf("Unexpected outcome: %+v", out)
	}
}

func TestPostMessageErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "empty text", body: `{"text":""}`, err: workflow.ErrEmptyText, status: http.StatusBadRequest},
		{name: "too long", body: `{"text":"x"}`, err: workflow.ErrTextTooLong, status: http.StatusBadRequest},
		{name: "no key", body: `{"text":"x"}`, err: session.ErrEmptyKey, status: http.StatusBadRequest},
		{name: "malformed body", body: `{"text":`, status: http.StatusBadRequest},
		{name: "internal", body: `{"text":"x"}`, err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.wf.msgErr = tt.err

			resp := ts.do(t, http.MethodPost, "/api/messages", "s1", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			var body map[string]string
			decodeBody(t, resp, &body)
			if body["error"] == "" {
				t.Error("Expected error message in body")
			}
		})
	}
}

func TestPostMessageRateLimited(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	t.Cleanup(limiter.Close)
	ts := newTestServer(t, limiter)

	for i := 0; i < 2; i++ {
		if resp := ts.do(t, http.MethodPost, "/api/messages", "s1", `{"text":"oi"}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodPost, "/api/messages", "s1", `{"text":"oi"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", resp.StatusCode)
	}
}

func TestAuthenticateRequiresPIN(t *testing.T) {
	ts := newTestServer(t, nil)

	if resp := ts.do(t, http.MethodPost, "/api/auth", "s1", `{"user_name":"Ana"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}

	var res workflow.Result
	decodeBody(t, ts.do(t, http.MethodPost, "/api/auth", "s1", `{"user_name":"Ana","pin":"123456"}`), &res)
	if !res.OK || res.State != domain.StateAuthenticated {
		t.Errorf("Expected authenticated result, got %+v", res)
	}
}

func TestRefusedTransitionIsStillOK(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/api/withdrawal/confirm", "s1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var res workflow.Result
	decodeBody(t, resp, &res)
	if res.OK || res.Risk != domain.RiskAmbiguous || len(res.Problems) != 1 {
		t.Errorf("Expected refused confirmation with problems, got %+v", res)
	}
}

func TestSubmitWithdrawal(t *testing.T) {
	ts := newTestServer(t, nil)

	if resp := ts.do(t, http.MethodPost, "/api/withdrawal", "s1", `{"items":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for empty items, got %d", resp.StatusCode)
	}
	resp := ts.do(t, http.MethodPost, "/api/withdrawal", "s1", `{"items":[{"productKey":"luva_m","productName":"Luva M","quantity":2}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if len(ts.wf.items) != 1 || ts.wf.items[0].Quantity != 2 {
		t.Errorf("Unexpected submitted items: %+v", ts.wf.items)
	}
}

func TestIdentityEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	var res workflow.Result
	decodeBody(t, ts.do(t, http.MethodPost, "/api/identity/verify", "s1", ""), &res)
	if !res.AwaitingPIN {
		t.Errorf("Expected awaiting_pin, got %+v", res)
	}
	if resp := ts.do(t, http.MethodPost, "/api/identity/pin", "s1", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 without pin, got %d", resp.StatusCode)
	}
	decodeBody(t, ts.do(t, http.MethodPost, "/api/identity/pin", "s1", `{"pin":"123456"}`), &res)
	if !res.OK {
		t.Errorf("Expected ok, got %+v", res)
	}
}

func TestListEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.repo.events = []domain.Event{{MessageID: "m1", Type: domain.EventAuthSuccess, SessionKey: "s1"}}

	if resp := ts.do(t, http.MethodGet, "/api/events?limit=abc", "", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for bad limit, got %d", resp.StatusCode)
	}

	var body struct {
		Events []domain.Event `json:"events"`
	}
	decodeBody(t, ts.do(t, http.MethodGet, "/api/events?session_id=s1&type=auth_success&limit=9999", "", ""), &body)
	if len(body.Events) != 1 || body.Events[0].MessageID != "m1" {
		t.Fatalf("Unexpected events: %+v", body.Events)
	}
	f := ts.repo.filters[len(ts.repo.filters)-1]
	if f.SessionKey != "s1" || f.Type != domain.EventAuthSuccess || f.Limit != maxEventLimit {
		t.Errorf("Unexpected filter: %+v", f)
	}
}

func TestGetStock(t *testing.T) {
	ts := newTestServer(t, nil)

	var body struct {
		Items []stock.Level `json:"items"`
	}
	decodeBody(t, ts.do(t, http.MethodGet, "/api/stock", "", ""), &body)
	if len(body.Items) != 1 || body.Items[0].Key != "luva_m" {
		t.Fatalf("Unexpected stock: %+v", body.Items)
	}

	ts.src.Fail(errors.New("inventory down"))
	if resp := ts.do(t, http.MethodGet, "/api/stock", "", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	repo := &fakeRepo{}
	h := NewHealthHandler(repo, map[string]Check{
		"face_matcher": func(context.Context) error { return errors.New("down") },
	})

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 when only an optional service is down, got %d", w.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "degraded" || body.Checks["face_matcher"] != "unreachable" {
		t.Errorf("Unexpected health body: %+v", body)
	}

	repo.pingErr = errors.New("db gone")
	w = httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 when the database is down, got %d", w.Code)
	}
}
