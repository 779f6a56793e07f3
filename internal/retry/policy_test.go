package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowmesh/gateway/internal/config"
)

func TestNewPolicyDefaults(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 2})
	if p.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", p.MaxRetries)
	}
	if p.Interval != 100*time.Millisecond {
		t.Errorf("Interval = %v, want default 100ms", p.Interval)
	}
}

func TestNewPolicyExplicitInterval(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 3, RetryIntervalMs: 250})
	if p.Interval != 250*time.Millisecond {
		t.Errorf("Interval = %v, want 250ms", p.Interval)
	}
}

func TestRetryableIdempotentMethods(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 1})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/x", nil)
		if !p.Retryable(req) {
			t.Errorf("method %s should be retryable by default", method)
		}
	}
}

func TestRetryableRejectsPOSTByDefault(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 1})
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	if p.Retryable(req) {
		t.Error("POST should not be retryable without the idempotency header")
	}
}

func TestRetryablePOSTWithIdempotencyHeader(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 1})
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(IdempotencyHeader, "true")
	if !p.Retryable(req) {
		t.Error("POST with the idempotency header should be retryable")
	}
}

func TestRetryableNoRetriesConfigured(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 0})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if p.Retryable(req) {
		t.Error("a policy with MaxRetries=0 should never be retryable")
	}
}

func TestWaitReturnsFalseOnCancel(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 1, RetryIntervalMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() { done <- p.Wait(ctx) }()

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("Wait should report false when ctx is cancelled first")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}
}

func TestWaitReturnsTrueAfterInterval(t *testing.T) {
	p := NewPolicy(config.RetryConfig{MaxRetries: 1, RetryIntervalMs: 1})
	if !p.Wait(context.Background()) {
		t.Error("Wait should report true once the interval elapses")
	}
}
