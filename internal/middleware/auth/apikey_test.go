package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmesh/gateway/internal/config"
)

func TestAPIKeyAuthValidKey(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Header:  "X-API-Key",
		Keys: map[string]config.APIKeyEntry{
			"valid-key-1": {Name: "client-1", UserID: 1, Enabled: true},
		},
	})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "valid-key-1")

	identity, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if identity.Username != "client-1" {
		t.Errorf("Username = %q, want client-1", identity.Username)
	}
	if identity.AuthType != "api_key" {
		t.Errorf("AuthType = %q, want api_key", identity.AuthType)
	}
}

func TestAPIKeyAuthInvalidKey(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{Enabled: true, Header: "X-API-Key"})
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "nope")
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestAPIKeyAuthDisabledEntry(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Header:  "X-API-Key",
		Keys: map[string]config.APIKeyEntry{
			"disabled-key": {Name: "disabled-client", Enabled: false},
		},
	})
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "disabled-key")
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for disabled key")
	}
}

func TestAPIKeyAuthExpired(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Header:  "X-API-Key",
		Keys: map[string]config.APIKeyEntry{
			"expired-key": {Name: "c", Enabled: true, ExpiresAt: time.Now().Add(-time.Hour)},
		},
	})
	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "expired-key")
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for expired key")
	}
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{Enabled: true, Header: "X-API-Key"})
	req := httptest.NewRequest("GET", "/api/test", nil)
	if _, err := auth.Authenticate(req); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{
		Enabled: true,
		Header:  "X-API-Key",
		Keys: map[string]config.APIKeyEntry{
			"test-key": {Name: "test-client", Enabled: true},
		},
	})

	handler := auth.Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "test-key")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest("GET", "/api/test", nil)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestAPIKeyAuthMiddlewareOptional(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{Enabled: true, Header: "X-API-Key"})
	handler := auth.Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAPIKeyAuthAddKey(t *testing.T) {
	auth := NewAPIKeyAuth(config.APIKeyConfig{Enabled: true, Header: "X-API-Key"})
	auth.AddKey("dynamic-key", config.APIKeyEntry{Name: "dynamic-client", Enabled: true})

	req := httptest.NewRequest("GET", "/api/test", nil)
	req.Header.Set("X-API-Key", "dynamic-key")

	identity, err := auth.Authenticate(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if identity.Username != "dynamic-client" {
		t.Errorf("Username = %q, want dynamic-client", identity.Username)
	}
}
