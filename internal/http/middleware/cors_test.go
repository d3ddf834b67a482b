package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveCORS(origins []string, method, origin, preflight string) (*httptest.ResponseRecorder, bool) {
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(method, "/v1/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight != "" {
		req.Header.Set("Access-Control-Request-Method", preflight)
	}
	rec := httptest.NewRecorder()
	CORS(origins)(handler).ServeHTTP(rec, req)
	return rec, called
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	rec, called := serveCORS([]string{"https://app.example.com/"}, http.MethodGet, "https://app.example.com", "")

	if !called {
		t.Fatalf("expected handler to be called")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected allow origin header, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Retry-After" {
		t.Fatalf("expected Retry-After exposed, got %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}
}

func TestCORSDeniesUnknownOrigin(t *testing.T) {
	rec, called := serveCORS([]string{"https://app.example.com"}, http.MethodGet, "https://unknown.example", "")

	if !called {
		t.Fatalf("expected request to pass through")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin header, got %q", got)
	}
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	rec, _ := serveCORS([]string{"*"}, http.MethodGet, "https://random.example", "")

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://random.example" {
		t.Fatalf("expected allow origin header, got %q", got)
	}
}

func TestCORSHandlesPreflight(t *testing.T) {
	rec, called := serveCORS([]string{"https://app.example.com"}, http.MethodOptions, "https://app.example.com", "POST")

	if called {
		t.Fatalf("expected handler to not be called on preflight")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key in allow headers, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); strings.Contains(got, "DELETE") || !strings.Contains(got, "POST") {
		t.Fatalf("unexpected allow methods %q", got)
	}
}

func TestCORSPreflightFromUnknownOriginPassesThrough(t *testing.T) {
	rec, called := serveCORS([]string{"https://app.example.com"}, http.MethodOptions, "https://evil.example", "POST")

	if !called {
		t.Fatalf("expected unknown preflight to reach the router")
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Fatalf("expected no allow methods, got %q", got)
	}
}

func TestOriginAllowlist(t *testing.T) {
	var nilList *OriginAllowlist
	if !nilList.Empty() || nilList.Allows("https://app.example.com") {
		t.Fatalf("nil allowlist must be empty and deny")
	}
	if !NewOriginAllowlist([]string{" ", ""}).Empty() {
		t.Fatalf("blank entries should leave the allowlist empty")
	}
	list := NewOriginAllowlist([]string{"https://app.example.com"})
	if list.Empty() {
		t.Fatalf("expected configured allowlist")
	}
	if !list.Allows("https://app.example.com") || list.Allows("https://other.example") || list.Allows("") {
		t.Fatalf("unexpected allowlist decisions")
	}
}
