// Package retry implements the gateway's connection-phase retry policy: a
// bounded number of attempts at a fixed interval, applied only to failures
// that occur before any response bytes are observed (§4.7). Retries never
// run for non-idempotent methods unless the upstream opts in explicitly.
package retry

import (
	"context"
	"net/http"
	"time"

	"github.com/flowmesh/gateway/internal/config"
)

// IdempotencyHeader lets an upstream mark a normally non-idempotent request
// (POST, PATCH) safe to retry.
const IdempotencyHeader = "X-Idempotent-Retry"

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// Policy is the fixed-interval retry budget applied to a route's proxied
// requests.
type Policy struct {
	MaxRetries int
	Interval   time.Duration
}

// NewPolicy builds a Policy from a configuration snapshot's retry section.
func NewPolicy(cfg config.RetryConfig) *Policy {
	interval := time.Duration(cfg.RetryIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Policy{MaxRetries: cfg.MaxRetries, Interval: interval}
}

// Retryable reports whether a connection-phase failure on r should be
// retried: the method must be conservatively idempotent, or the request
// must carry IdempotencyHeader.
func (p *Policy) Retryable(r *http.Request) bool {
	if p.MaxRetries <= 0 {
		return false
	}
	if idempotentMethods[r.Method] {
		return true
	}
	return r.Header.Get(IdempotencyHeader) == "true"
}

// Wait blocks for the configured retry interval or until ctx is cancelled,
// reporting false if ctx won the race (the caller should give up).
func (p *Policy) Wait(ctx context.Context) bool {
	select {
	case <-time.After(p.Interval):
		return true
	case <-ctx.Done():
		return false
	}
}
