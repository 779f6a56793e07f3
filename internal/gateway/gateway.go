// Package gateway wires the request plane together: router, proxy,
// authentication, rate limiting, circuit breaking, and service discovery
// behind one http.Handler built from a configuration snapshot.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh/gateway/internal/circuitbreaker"
	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/discovery"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/logging"
	"github.com/flowmesh/gateway/internal/metrics"
	"github.com/flowmesh/gateway/internal/middleware/auth"
	"github.com/flowmesh/gateway/internal/middleware/cors"
	"github.com/flowmesh/gateway/internal/middleware/ratelimit"
	"github.com/flowmesh/gateway/internal/proxy"
	"github.com/flowmesh/gateway/internal/registry"
	"github.com/flowmesh/gateway/internal/registry/consul"
	"github.com/flowmesh/gateway/internal/registry/memory"
	"github.com/flowmesh/gateway/internal/router"
	"github.com/flowmesh/gateway/internal/tracing"
	"github.com/flowmesh/gateway/internal/variables"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Gateway holds the live configuration-derived state: the route table, the
// proxy, the per-tier middleware managers, and the service registry. A
// reload swaps these out wholesale; serveHTTP always reads through an
// atomic pointer so in-flight requests never observe a half-updated state.
type Gateway struct {
	holder *config.Holder

	registry registry.Registry
	disco    *discovery.Cache

	proxy *proxy.Proxy

	router           *router.Router
	authenticator    *auth.Authenticator
	rateLimiter      *ratelimit.Manager
	redisLimiter     *ratelimit.RedisLimiter
	circuitBreakers  *circuitbreaker.BreakerByRoute
	corsHandlers     *cors.CORSByRoute
	metricsCollector *metrics.Collector
	tracer           *tracing.Tracer

	cancelDiscoveryRefresh context.CancelFunc
}

// New builds a Gateway from an initial configuration snapshot, constructing
// its service registry from snap.Registry.Type.
func New(holder *config.Holder) (*Gateway, error) {
	reg, err := buildRegistry(holder.Current().Registry)
	if err != nil {
		return nil, fmt.Errorf("gateway: registry: %w", err)
	}
	return newWithRegistry(holder, reg)
}

// newWithRegistry builds a Gateway against a caller-supplied registry,
// bypassing buildRegistry's config.RegistryConfig.Type dispatch. Tests use
// this to exercise the gateway against a pre-populated memory.Registry.
func newWithRegistry(holder *config.Holder, reg registry.Registry) (*Gateway, error) {
	snap := holder.Current()

	refresh := snap.ServiceRefreshInterval
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	disco := discovery.New(reg, refresh)

	tracer, err := tracing.New(snap.Tracing)
	if err != nil {
		return nil, fmt.Errorf("gateway: tracing: %w", err)
	}

	breakers := circuitbreaker.NewBreakerByRoute()
	collector := metrics.NewCollector()

	g := &Gateway{
		holder:           holder,
		registry:         reg,
		disco:            disco,
		circuitBreakers:  breakers,
		corsHandlers:     cors.NewCORSByRoute(),
		metricsCollector: collector,
		tracer:           tracer,
		proxy: proxy.New(proxy.Config{
			Discovery:      disco,
			Breakers:       breakers,
			Metrics:        collector,
			MaxBodyBytes:   snap.MaxBodyBytes,
			DefaultTimeout: snap.RequestTimeout,
		}),
	}

	if err := g.applySnapshot(snap); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancelDiscoveryRefresh = cancel
	go disco.Run(ctx)

	return g, nil
}

func buildRegistry(cfg config.RegistryConfig) (registry.Registry, error) {
	switch cfg.Type {
	case "consul":
		return consul.New(cfg.Consul)
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown registry type %q", cfg.Type)
	}
}

// applySnapshot rebuilds the router and per-tier middleware managers from a
// configuration snapshot. Called once at construction and again on every
// successful reload (see reload.go).
func (g *Gateway) applySnapshot(snap *config.Snapshot) error {
	rt, err := router.Load(snap.Routes)
	if err != nil {
		return fmt.Errorf("gateway: route table: %w", err)
	}

	jwtAuth := auth.NewJWTAuth(snap.Auth.JWT)
	apiKeyAuth := auth.NewAPIKeyAuth(snap.Auth.APIKey)
	oauthAuth := auth.NewOAuthAuth(snap.Auth.OAuth2)
	authenticator := auth.New(snap.Auth, jwtAuth, apiKeyAuth, oauthAuth)

	rateLimiter := ratelimit.NewManager(snap.RateLimit, snap.Auth.APIKey.Header)

	var redisLimiter *ratelimit.RedisLimiter
	if snap.RateLimit.Distributed != nil {
		redisLimiter = ratelimit.NewRedisLimiter(ratelimit.RedisLimiterConfig{
			Client: redis.NewClient(&redis.Options{
				Addr:     snap.RateLimit.Distributed.Addr,
				Password: snap.RateLimit.Distributed.Password,
				DB:       snap.RateLimit.Distributed.DB,
			}),
			Rate:   snap.RateLimit.Global.BurstSize,
			Period: time.Second,
			Burst:  snap.RateLimit.Global.BurstSize,
			PerIP:  true,
		})
	}

	corsHandlers := cors.NewCORSByRoute()
	for _, route := range snap.Routes {
		if route.CORS != nil {
			if err := corsHandlers.AddRoute(route.ID, *route.CORS); err != nil {
				return fmt.Errorf("gateway: cors for route %s: %w", route.ID, err)
			}
		}
		g.applyRedisBreaker(route, snap.CircuitBreaker)
	}

	g.router = rt
	g.authenticator = authenticator
	g.rateLimiter = rateLimiter
	g.redisLimiter = redisLimiter
	g.corsHandlers = corsHandlers
	return nil
}

// applyRedisBreaker installs or removes the route's distributed circuit
// breaker on the proxy to match its current configuration.
func (g *Gateway) applyRedisBreaker(route config.Route, global config.CircuitBreakerConfig) {
	if !route.DistributedCircuitBreaker || global.Distributed == nil {
		g.proxy.SetRedisBreaker(route.ID, nil)
		return
	}
	cfg := breakerConfigFor(route, global)
	rb := circuitbreaker.NewRedisBreaker(route.ID, cfg, redis.NewClient(&redis.Options{
		Addr:     global.Distributed.Addr,
		Password: global.Distributed.Password,
		DB:       global.Distributed.DB,
	}), nil)
	g.proxy.SetRedisBreaker(route.ID, rb)
}

// Handler returns the gateway's top-level http.Handler. Per-request
// behavior — which route, which breaker, which retry policy — is resolved
// fresh on every call to serveHTTP rather than baked in here, since the
// config can swap underneath a running server.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.serveHTTP)
}

func (g *Gateway) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := g.holder.Current()

	route, ok, methodMismatch := g.router.Match(r.URL.Path, r.Method)
	if !ok {
		if methodMismatch {
			errors.ErrMethodNotAllowed.WriteJSON(w)
			return
		}
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	varCtx := variables.GetFromRequest(r)
	varCtx.RouteID = route.ID()

	if corsHandler := g.corsHandlers.GetHandler(route.ID()); corsHandler != nil && corsHandler.IsEnabled() {
		if corsHandler.IsPreflight(r) {
			corsHandler.HandlePreflight(w, r)
			return
		}
		corsHandler.ApplyHeaders(w, r)
	}

	if route.Config.RequireAuth {
		identity, err := g.authenticator.Authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		varCtx.Identity = identity
		applyIdentityHeaders(r, identity)
	}

	if allowed, wait := g.rateLimiter.Check(r); !allowed {
		retryAfter := int(wait.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		errors.ErrTooManyRequests.WithRetryAfter(retryAfter).WriteJSON(w)
		return
	}

	r.Header.Set("X-Original-Path", r.URL.Path)
	r.Header.Set("X-Original-Method", r.Method)

	cbCfg := breakerConfigFor(route.Config, snap.CircuitBreaker)
	handler := g.proxy.Handler(route, cbCfg, snap.Retry)
	if route.Config.DistributedRateLimit && g.redisLimiter != nil {
		handler = g.redisLimiter.Middleware()(handler)
	}
	handler.ServeHTTP(w, r)

	logging.Debug("request handled",
		zap.String("route", route.ID()),
		zap.String("method", r.Method),
		zap.Duration("duration", time.Since(start)),
	)
}

func breakerConfigFor(route config.Route, global config.CircuitBreakerConfig) config.CircuitBreakerConfig {
	if route.CircuitBreaker == nil {
		return global
	}
	cfg := global
	cfg.Enabled = true
	if route.CircuitBreaker.FailureThreshold > 0 {
		cfg.FailureThreshold = route.CircuitBreaker.FailureThreshold
	}
	if route.CircuitBreaker.HalfOpenTimeoutSecs > 0 {
		cfg.HalfOpenTimeoutSecs = route.CircuitBreaker.HalfOpenTimeoutSecs
		cfg.Timeout = cfg.ResetTimeout()
	}
	return cfg
}

func applyIdentityHeaders(r *http.Request, identity *variables.Identity) {
	if identity == nil {
		return
	}
	if identity.UserID != 0 {
		r.Header.Set("X-User-ID", fmt.Sprintf("%d", identity.UserID))
	}
	if identity.Username != "" {
		r.Header.Set("X-Username", identity.Username)
	}
	if roles := identity.RoleString(); roles != "" {
		r.Header.Set("X-User-Roles", roles)
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if ge, ok := errors.IsGatewayError(err); ok {
		ge.WriteJSON(w)
		return
	}
	errors.ErrUnauthorized.WriteJSON(w)
}

// Router returns the live route table.
func (g *Gateway) Router() *router.Router { return g.router }

// Registry returns the service registry backing discovery.
func (g *Gateway) Registry() registry.Registry { return g.registry }

// Discovery returns the service discovery cache.
func (g *Gateway) Discovery() *discovery.Cache { return g.disco }

// CircuitBreakers returns the per-service breaker table.
func (g *Gateway) CircuitBreakers() *circuitbreaker.BreakerByRoute { return g.circuitBreakers }

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector { return g.metricsCollector }

// Tracer returns the configured tracer (never nil; may be disabled).
func (g *Gateway) Tracer() *tracing.Tracer { return g.tracer }

// Close releases the registry connection and stops the discovery refresh loop.
func (g *Gateway) Close() error {
	if g.cancelDiscoveryRefresh != nil {
		g.cancelDiscoveryRefresh()
	}
	g.disco.Close()
	if g.tracer != nil {
		g.tracer.Close()
	}
	if g.registry != nil {
		return g.registry.Close()
	}
	return nil
}
