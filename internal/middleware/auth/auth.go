// Package auth implements the gateway's three mutually-exclusive
// authentication schemes (JWT, API key, OAuth2 bearer) plus the
// path/IP whitelist bypass that runs ahead of all of them.
package auth

import (
	"net/http"
	"strings"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/variables"
)

// Scheme is implemented by each of JWTAuth, APIKeyAuth, and OAuthAuth.
type Scheme interface {
	Authenticate(r *http.Request) (*variables.Identity, error)
	IsEnabled() bool
}

// Authenticator dispatches to whichever scheme is enabled in config,
// applying the path/IP whitelist bypass first.
type Authenticator struct {
	scheme        Scheme
	ipWhitelist   []string
	pathWhitelist []string
}

// New builds an Authenticator. Exactly one of jwt/apiKey/oauth is expected
// to be enabled per deployment; the first enabled scheme found wins.
func New(cfg config.AuthConfig, jwtAuth *JWTAuth, apiKeyAuth *APIKeyAuth, oauthAuth *OAuthAuth) *Authenticator {
	a := &Authenticator{
		ipWhitelist:   cfg.IPWhitelist,
		pathWhitelist: cfg.PathWhitelist,
	}
	switch {
	case jwtAuth != nil && jwtAuth.IsEnabled():
		a.scheme = jwtAuth
	case apiKeyAuth != nil && apiKeyAuth.IsEnabled():
		a.scheme = apiKeyAuth
	case oauthAuth != nil && oauthAuth.IsEnabled():
		a.scheme = oauthAuth
	}
	return a
}

// Authenticate bypasses auth for whitelisted paths/IPs, then delegates to
// the configured scheme. No scheme configured is a 503, not a 401 — it is
// a deployment error, not a caller error.
func (a *Authenticator) Authenticate(r *http.Request) (*variables.Identity, error) {
	if a.bypassed(r) {
		return nil, nil
	}
	if a.scheme == nil {
		return nil, errors.ErrServiceUnavailable.WithDetails("no auth method enabled")
	}
	return a.scheme.Authenticate(r)
}

func (a *Authenticator) bypassed(r *http.Request) bool {
	path := r.URL.Path
	for _, prefix := range a.pathWhitelist {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	ip := variables.ExtractClientIP(r)
	for _, allowed := range a.ipWhitelist {
		if ip == allowed {
			return true
		}
	}
	return false
}
