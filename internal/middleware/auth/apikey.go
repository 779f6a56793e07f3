package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/middleware"
	"github.com/flowmesh/gateway/internal/variables"
)

// APIKeyAuth authenticates requests against a static key table.
type APIKeyAuth struct {
	header string
	mu     sync.RWMutex
	keys   map[string]config.APIKeyEntry
}

// NewAPIKeyAuth creates an API-key authenticator from the configured table.
func NewAPIKeyAuth(cfg config.APIKeyConfig) *APIKeyAuth {
	header := cfg.Header
	if header == "" {
		header = "X-API-Key"
	}
	keys := make(map[string]config.APIKeyEntry, len(cfg.Keys))
	for k, v := range cfg.Keys {
		keys[k] = v
	}
	return &APIKeyAuth{header: header, keys: keys}
}

// IsEnabled reports whether any keys are configured.
func (a *APIKeyAuth) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// Authenticate looks the request's key up in the table, rejecting disabled
// or expired entries.
func (a *APIKeyAuth) Authenticate(r *http.Request) (*variables.Identity, error) {
	key := r.Header.Get(a.header)
	if key == "" {
		return nil, errors.ErrUnauthorized.WithDetails("API key not provided")
	}

	a.mu.RLock()
	entry, ok := a.keys[key]
	a.mu.RUnlock()

	if !ok || !entry.Enabled {
		return nil, errors.ErrUnauthorized.WithDetails("invalid API key")
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, errors.ErrUnauthorized.WithDetails("API key has expired")
	}

	return &variables.Identity{
		UserID:   entry.UserID,
		Username: entry.Name,
		Roles:    entry.Permissions,
		Extra:    map[string]string{},
		ClientID: strconv.FormatInt(entry.UserID, 10),
		AuthType: "api_key",
	}, nil
}

// AddKey registers or replaces a key at runtime (used by the admin surface / tests).
func (a *APIKeyAuth) AddKey(key string, entry config.APIKeyEntry) {
	a.mu.Lock()
	a.keys[key] = entry
	a.mu.Unlock()
}

// Middleware wraps next, attaching the authenticated identity, or rejecting
// with 401 if required and the key is missing/invalid.
func (a *APIKeyAuth) Middleware(required bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				if required {
					gatewayErr := err.(*errors.GatewayError)
					w.Header().Set("WWW-Authenticate", "API-Key")
					gatewayErr.WriteJSON(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			varCtx := variables.GetFromRequest(r)
			varCtx.Identity = identity
			ctx := context.WithValue(r.Context(), variables.RequestContextKey{}, varCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
