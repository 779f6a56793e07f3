package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmesh/gateway/internal/config"
)

// TestManagerPathRuleBurst mirrors scenario S3: a path rule of
// requestsPerSecond=5, burstSize=3 admits the first 3 requests in a tight
// window and rejects the 4th with a 1-second Retry-After.
func TestManagerPathRuleBurst(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		PathRules: []config.RateRule{
			{PathPrefix: "/api/auth/login", RequestsPerSecond: 5, BurstSize: 3},
		},
	}, "X-API-Key")

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		allowed, _ := m.Check(req)
		if !allowed {
			t.Fatalf("request %d: expected allow within burst", i+1)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	allowed, wait := m.Check(req)
	if allowed {
		t.Fatal("4th request: expected deny")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}
}

func TestManagerGlobalDenyBlocksEvenWithFreePathTier(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		Global: config.RateRule{RequestsPerSecond: 1, BurstSize: 1},
	}, "X-API-Key")

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	if allowed, _ := m.Check(req); !allowed {
		t.Fatal("first request should be allowed")
	}
	if allowed, _ := m.Check(req); allowed {
		t.Fatal("second request should be denied by the exhausted global bucket")
	}
}

func TestManagerIPDefaultCreatedLazily(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		IPDefault: config.RateRule{RequestsPerSecond: 1, BurstSize: 1},
	}, "X-API-Key")

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "10.0.0.2:1234"

	if allowed, _ := m.Check(req1); !allowed {
		t.Fatal("first IP's first request should be allowed")
	}
	if allowed, _ := m.Check(req1); allowed {
		t.Fatal("first IP's second request should be denied")
	}
	if allowed, _ := m.Check(req2); !allowed {
		t.Fatal("a distinct IP must get its own bucket")
	}
}

func TestManagerAPIKeyRuleAppliesOnlyToRecognisedKeys(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		APIKeyRules: map[string]config.RateRule{
			"k1": {RequestsPerSecond: 1, BurstSize: 1},
		},
	}, "X-API-Key")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-API-Key", "k1")
	if allowed, _ := m.Check(req); !allowed {
		t.Fatal("first use of k1 should be allowed")
	}
	if allowed, _ := m.Check(req); allowed {
		t.Fatal("second use of k1 should be denied")
	}

	unrecognised := httptest.NewRequest(http.MethodGet, "/x", nil)
	unrecognised.Header.Set("X-API-Key", "unknown")
	if allowed, _ := m.Check(unrecognised); !allowed {
		t.Fatal("an unrecognised key should skip this tier, not deny")
	}
}

func TestManagerMiddlewareSetsRetryAfter(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		Global: config.RateRule{RequestsPerSecond: 1, BurstSize: 1},
	}, "X-API-Key")
	handler := m.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}
}
