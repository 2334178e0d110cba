package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/stella/internal/identity"
)

func serveCORS(origins []string, method, origin string, preflight bool) (*httptest.ResponseRecorder, bool) {
	called := false
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(method, "/api/session", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, called
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	rec, called := serveCORS([]string{"https://kiosk.local/"}, http.MethodGet, "https://kiosk.local", false)

	if !called {
		t.Fatal("Expected request to reach handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://kiosk.local" {
		t.Errorf("Expected origin echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials allowed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != identity.SessionHeaderName {
		t.Errorf("Expected session header exposed, got %q", got)
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	rec, _ := serveCORS([]string{"*"}, http.MethodGet, "https://other.example", false)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://other.example" {
		t.Errorf("Expected origin echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Expected no credentials for wildcard, got %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	rec, called := serveCORS([]string{"https://kiosk.local"}, http.MethodGet, "https://evil.example", false)

	if !called {
		t.Fatal("Expected request to reach handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin, got %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Expected Vary: Origin, got %q", got)
	}
}

func TestCORSWithoutOriginHeader(t *testing.T) {
	rec, _ := serveCORS([]string{"*"}, http.MethodGet, "", false)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no allow-origin without Origin header, got %q", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	rec, called := serveCORS([]string{"https://kiosk.local"}, http.MethodOptions, "https://kiosk.local", true)

	if called {
		t.Error("Expected preflight to be answered by middleware")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "600" {
		t.Errorf("Expected max age 600, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, "+identity.SessionHeaderName {
		t.Errorf("Unexpected allow-headers %q", got)
	}
}
