package ratelimit

import (
	"net/http"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/middleware"
	"github.com/flowmesh/gateway/internal/variables"
)

// Manager holds the four limiter tiers the gateway checks on every request:
// global, path-prefix, client IP, and API key. Every applicable tier is
// evaluated regardless of an earlier denial, so Retry-After always reflects
// the longest wait among the tiers that denied.
type Manager struct {
	global      *TokenBucket
	pathRules   []pathBucket
	ipDefault   *TokenBucket
	ipOverrides map[string]*TokenBucket
	apiKeyRules map[string]*TokenBucket
	apiKeyHeader string
}

// NewManager builds a Manager from a configuration snapshot's rate-limit
// section. apiKeyHeader is the header the auth layer reads API keys from
// (config.AuthConfig.APIKey.Header); the rate limiter needs the same header
// to recognise a request as carrying a keyed identity.
func NewManager(cfg config.RateLimitConfig, apiKeyHeader string) *Manager {
	m := &Manager{apiKeyHeader: apiKeyHeader}

	if cfg.Global.RequestsPerSecond > 0 {
		m.global = NewTokenBucket(cfg.Global.RequestsPerSecond, cfg.Global.BurstSize)
	}

	for _, rule := range cfg.PathRules {
		m.pathRules = append(m.pathRules, pathBucket{
			prefix: rule.PathPrefix,
			bucket: NewTokenBucket(rule.RequestsPerSecond, rule.BurstSize),
		})
	}
	sortPathBuckets(m.pathRules)

	if cfg.IPDefault.RequestsPerSecond > 0 {
		m.ipDefault = NewTokenBucket(cfg.IPDefault.RequestsPerSecond, cfg.IPDefault.BurstSize)
	}
	if len(cfg.IPRules) > 0 {
		m.ipOverrides = make(map[string]*TokenBucket, len(cfg.IPRules))
		for ip, rule := range cfg.IPRules {
			m.ipOverrides[ip] = NewTokenBucket(rule.RequestsPerSecond, rule.BurstSize)
		}
	}

	if len(cfg.APIKeyRules) > 0 {
		m.apiKeyRules = make(map[string]*TokenBucket, len(cfg.APIKeyRules))
		for key, rule := range cfg.APIKeyRules {
			m.apiKeyRules[key] = NewTokenBucket(rule.RequestsPerSecond, rule.BurstSize)
		}
	}

	return m
}

func (m *Manager) matchPath(path string) *pathBucket {
	for i := range m.pathRules {
		if hasPrefix(path, m.pathRules[i].prefix) {
			return &m.pathRules[i]
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Check evaluates every applicable tier and reports the outcome. allowed is
// false if any tier denied; wait is the maximum retry delay across the
// tiers that denied (zero when allowed).
func (m *Manager) Check(r *http.Request) (allowed bool, wait time.Duration) {
	allowed = true

	if m.global != nil {
		if ok, w := m.global.Allow("global"); !ok {
			allowed = false
			wait = maxDuration(wait, w)
		}
	}

	if rule := m.matchPath(r.URL.Path); rule != nil {
		if ok, w := rule.bucket.Allow(rule.prefix); !ok {
			allowed = false
			wait = maxDuration(wait, w)
		}
	}

	ip := variables.ExtractClientIP(r)
	if tb := m.ipBucketFor(ip); tb != nil {
		if ok, w := tb.Allow(ip); !ok {
			allowed = false
			wait = maxDuration(wait, w)
		}
	}

	if m.apiKeyHeader != "" {
		if key := r.Header.Get(m.apiKeyHeader); key != "" {
			if tb, ok := m.apiKeyRules[key]; ok {
				if ok, w := tb.Allow(key); !ok {
					allowed = false
					wait = maxDuration(wait, w)
				}
			}
		}
	}

	return allowed, wait
}

// ipBucketFor returns the override bucket for ip if one is configured,
// otherwise the lazily-shared default bucket (created on first use per §4.3).
func (m *Manager) ipBucketFor(ip string) *TokenBucket {
	if tb, ok := m.ipOverrides[ip]; ok {
		return tb
	}
	return m.ipDefault
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Middleware rejects requests denied by any tier with 429 and a
// Retry-After header; otherwise passes through unchanged.
func (m *Manager) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, wait := m.Check(r)
			if !allowed {
				retryAfter := int(wait.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				errors.ErrTooManyRequests.WithRetryAfter(retryAfter).WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
