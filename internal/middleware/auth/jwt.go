package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/middleware"
	"github.com/flowmesh/gateway/internal/variables"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth authenticates requests bearing an HS256-signed JWT.
type JWTAuth struct {
	secret         []byte
	header         string
	verifyIssuer   bool
	allowedIssuers map[string]bool
}

// NewJWTAuth creates a JWT authenticator from the configured secret and issuer policy.
func NewJWTAuth(cfg config.JWTConfig) *JWTAuth {
	header := cfg.Header
	if header == "" {
		header = "Authorization"
	}
	issuers := make(map[string]bool, len(cfg.AllowedIssuers))
	for _, iss := range cfg.AllowedIssuers {
		issuers[iss] = true
	}
	return &JWTAuth{
		secret:         []byte(cfg.Secret),
		header:         header,
		verifyIssuer:   cfg.VerifyIssuer,
		allowedIssuers: issuers,
	}
}

// IsEnabled reports whether a secret has been configured.
func (a *JWTAuth) IsEnabled() bool {
	return len(a.secret) > 0
}

// Authenticate extracts and validates the bearer token, returning the
// identity it encodes. Errors are distinguished by message so callers can
// tell TokenExpired/InvalidIssuer/InvalidToken apart if they need to.
func (a *JWTAuth) Authenticate(r *http.Request) (*variables.Identity, error) {
	tokenString := a.extractToken(r)
	if tokenString == "" {
		return nil, errors.ErrUnauthorized.WithDetails("bearer token not provided")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			return nil, errors.ErrUnauthorized.WithDetails("TokenExpired")
		}
		return nil, errors.ErrUnauthorized.WithDetails("InvalidToken: " + err.Error())
	}
	if !token.Valid {
		return nil, errors.ErrUnauthorized.WithDetails("InvalidToken")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrUnauthorized.WithDetails("InvalidToken: malformed claims")
	}

	if a.verifyIssuer {
		iss, _ := claims.GetIssuer()
		if !a.allowedIssuers[iss] {
			return nil, errors.ErrUnauthorized.WithDetails("InvalidIssuer")
		}
	}

	return identityFromClaims(claims), nil
}

func identityFromClaims(claims jwt.MapClaims) *variables.Identity {
	var userID int64
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		userID, _ = strconv.ParseInt(sub, 10, 64)
	}

	username, _ := claims["username"].(string)

	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	extra := make(map[string]string)
	for k, v := range claims {
		switch k {
		case "sub", "username", "roles", "exp", "iat", "iss", "aud":
			continue
		}
		if s, ok := v.(string); ok {
			extra[k] = s
		}
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		claimsMap[k] = v
	}

	return &variables.Identity{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		Extra:    extra,
		ClientID: strconv.FormatInt(userID, 10),
		AuthType: "jwt",
		Claims:   claimsMap,
	}
}

func (a *JWTAuth) extractToken(r *http.Request) string {
	h := r.Header.Get(a.header)
	if h == "" {
		return ""
	}
	if strings.HasPrefix(h, "Bearer ") {
		return h[len("Bearer "):]
	}
	return ""
}

// Middleware wraps next, attaching the authenticated identity to the
// request's variable context, or rejecting with 401 if required and absent.
func (a *JWTAuth) Middleware(required bool) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.Authenticate(r)
			if err != nil {
				if required {
					gatewayErr := err.(*errors.GatewayError)
					w.Header().Set("WWW-Authenticate", `Bearer realm="gateway"`)
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

// GenerateToken signs an HS256 token for the given claims (tests only).
func (a *JWTAuth) GenerateToken(claims map[string]interface{}, ttl time.Duration) (string, error) {
	mapClaims := jwt.MapClaims{"exp": time.Now().Add(ttl).Unix()}
	for k, v := range claims {
		mapClaims[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims)
	return token.SignedString(a.secret)
}
