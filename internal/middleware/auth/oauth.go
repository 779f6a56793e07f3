package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/middleware"
	"github.com/flowmesh/gateway/internal/variables"
)

// OAuthAuth authenticates requests by forwarding the bearer token to a
// configured userinfo endpoint and mapping the resulting JSON body onto an
// identity. This is a pass-through verification, not a 3-legged flow: the
// gateway never holds client credentials or issues tokens itself.
type OAuthAuth struct {
	userinfoURL string
	client      *http.Client
}

// NewOAuthAuth creates an OAuth2 bearer authenticator.
func NewOAuthAuth(cfg config.OAuth2Config) *OAuthAuth {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuthAuth{
		userinfoURL: cfg.UserinfoURL,
		client:      &http.Client{Timeout: timeout},
	}
}

// IsEnabled reports whether a userinfo endpoint has been configured.
func (a *OAuthAuth) IsEnabled() bool {
	return a.userinfoURL != ""
}

// Authenticate extracts the bearer token and resolves it against the
// userinfo endpoint.
func (a *OAuthAuth) Authenticate(r *http.Request) (*variables.Identity, error) {
	token := extractBearerToken(r)
	if token == "" {
		return nil, errors.ErrUnauthorized.WithDetails("bearer token not provided")
	}
	return a.userinfo(r.Context(), token)
}

func (a *OAuthAuth) userinfo(ctx context.Context, token string) (*variables.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.userinfoURL, nil)
	if err != nil {
		return nil, errors.ErrInternalServer.WithDetails("failed to build userinfo request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.ErrBadGateway.WithDetails("OAuth2Error: userinfo request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.ErrUnauthorized.WithDetails(fmt.Sprintf("OAuth2Error: userinfo returned %d", resp.StatusCode))
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.ErrUnauthorized.WithDetails("OAuth2Error: malformed userinfo response")
	}

	return identityFromUserinfo(body), nil
}

func identityFromUserinfo(body map[string]interface{}) *variables.Identity {
	var userID int64
	if sub, ok := firstString(body, "sub", "id"); ok {
		if n, err := strconv.ParseInt(sub, 10, 64); err == nil {
			userID = n
		}
	}

	username, _ := firstString(body, "name", "username", "email")

	var roles []string
	if raw, ok := body["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	extra := map[string]string{}
	if email, ok := body["email"].(string); ok {
		extra["email"] = email
	}

	return &variables.Identity{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		Extra:    extra,
		ClientID: strconv.FormatInt(userID, 10),
		AuthType: "oauth2",
		Claims:   body,
	}
}

func firstString(body map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := body[k]; ok {
			switch s := v.(type) {
			case string:
				if s != "" {
					return s, true
				}
			case float64:
				return strconv.FormatFloat(s, 'f', -1, 64), true
			}
		}
	}
	return "", false
}

func extractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return h[len("Bearer "):]
	}
	return r.URL.Query().Get("access_token")
}

// Middleware wraps next, attaching the authenticated identity, or
// rejecting with 401 if required and the token cannot be resolved.
func (a *OAuthAuth) Middleware(required bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				if required {
					gatewayErr := err.(*errors.GatewayError)
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
