// Package proxy forwards a matched request to its resolved upstream
// instance: it reads and buffers the request body, consults the route's
// circuit breaker, resolves a live backend from the service discovery
// cache, rewrites the path and headers, retries connection-phase failures,
// and copies the upstream response back to the client.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/flowmesh/gateway/internal/circuitbreaker"
	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/discovery"
	"github.com/flowmesh/gateway/internal/errors"
	"github.com/flowmesh/gateway/internal/logging"
	"github.com/flowmesh/gateway/internal/metrics"
	"github.com/flowmesh/gateway/internal/middleware/transform"
	"github.com/flowmesh/gateway/internal/retry"
	"github.com/flowmesh/gateway/internal/router"
	"github.com/flowmesh/gateway/internal/variables"
)

// Proxy forwards matched requests to the backend service resolved for each
// route. One Proxy is shared across every route; the per-route retry policy
// and header rewriter are built once in Handler, while the route's breaker
// is looked up from the breaker table on each request.
type Proxy struct {
	transportPool  *TransportPool
	discovery      *discovery.Cache
	breakers       *circuitbreaker.BreakerByRoute
	metrics        *metrics.Collector
	maxBodyBytes   int64
	defaultTimeout time.Duration

	redisBreakersMu sync.RWMutex
	redisBreakers   map[string]*circuitbreaker.RedisBreaker
}

// Config holds the dependencies and defaults a Proxy is built from.
type Config struct {
	TransportPool  *TransportPool
	Discovery      *discovery.Cache
	Breakers       *circuitbreaker.BreakerByRoute
	Metrics        *metrics.Collector
	MaxBodyBytes   int64
	DefaultTimeout time.Duration
}

// New builds a Proxy. A nil TransportPool is replaced with a default one.
func New(cfg Config) *Proxy {
	pool := cfg.TransportPool
	if pool == nil {
		pool = NewTransportPool()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20 // 10 MiB
	}
	return &Proxy{
		transportPool:  pool,
		discovery:      cfg.Discovery,
		breakers:       cfg.Breakers,
		metrics:        cfg.Metrics,
		maxBodyBytes:   maxBody,
		defaultTimeout: timeout,
		redisBreakers:  make(map[string]*circuitbreaker.RedisBreaker),
	}
}

// SetRedisBreaker installs a Redis-backed breaker for routeID, used instead
// of the in-process breaker table for routes with DistributedCircuitBreaker
// set. Passing a nil breaker removes the override (e.g. on reload when the
// route no longer opts in).
func (p *Proxy) SetRedisBreaker(routeID string, rb *circuitbreaker.RedisBreaker) {
	p.redisBreakersMu.Lock()
	defer p.redisBreakersMu.Unlock()
	if rb == nil {
		delete(p.redisBreakers, routeID)
		return
	}
	p.redisBreakers[routeID] = rb
}

func (p *Proxy) redisBreakerFor(routeID string) *circuitbreaker.RedisBreaker {
	p.redisBreakersMu.RLock()
	defer p.redisBreakersMu.RUnlock()
	return p.redisBreakers[routeID]
}

// GetTransportPool returns the proxy's transport pool.
func (p *Proxy) GetTransportPool() *TransportPool { return p.transportPool }

// SetTransportPool swaps the transport pool, used when a config reload
// introduces new per-upstream transport settings.
func (p *Proxy) SetTransportPool(pool *TransportPool) { p.transportPool = pool }

// Handler builds the proxy handler for one route: its retry policy and
// header rewriter are precompiled here, once, rather than per request.
func (p *Proxy) Handler(route *router.Route, cbCfg config.CircuitBreakerConfig, retryCfg config.RetryConfig) http.Handler {
	if route.Config.Protocol == "grpc" {
		return http.HandlerFunc(grpcStub)
	}

	retryPolicy := retry.NewPolicy(retryCfg)
	rewriter := transform.NewHeaderRewriter(route.Config.HeaderRewrites)
	transport := p.transportPool.Get(route.Config.ServiceName)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, route, cbCfg, retryPolicy, rewriter, transport)
	})
}

// grpcStub is the gateway's acceptable baseline for gRPC forwarding: gRPC
// proxying is out of scope beyond reporting Unimplemented (§9c).
func grpcStub(w http.ResponseWriter, r *http.Request) {
	errors.New(http.StatusNotImplemented, "gRPC forwarding is not implemented").WriteJSON(w)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, route *router.Route, cbCfg config.CircuitBreakerConfig, retryPolicy *retry.Policy, rewriter *transform.HeaderRewriter, transport http.RoundTripper) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.defaultTimeout)
		defer cancel()
	}

	bodyBytes, err := bufferBody(r, p.maxBodyBytes)
	if err != nil {
		errors.ErrRequestTooLarge.WriteJSON(w)
		return
	}

	serviceID := route.Config.ServiceName

	var breaker *circuitbreaker.Breaker
	var redisBreaker *circuitbreaker.RedisBreaker
	var reportRedisOutcome func(error)

	if route.Config.DistributedCircuitBreaker {
		if redisBreaker = p.redisBreakerFor(route.ID()); redisBreaker != nil {
			done, err := redisBreaker.Allow()
			if err != nil {
				errors.ErrServiceUnavailable.WithService(serviceID).WriteJSON(w)
				return
			}
			reportRedisOutcome = done
		}
	}
	if redisBreaker == nil && p.breakers != nil {
		breaker = p.breakers.GetOrCreate(serviceID, cbCfg)
		if allowed, _ := breaker.Allow(); !allowed {
			errors.ErrServiceUnavailable.WithService(serviceID).WriteJSON(w)
			return
		}
	}

	start := time.Now()
	resp, backendURL, err := p.attempt(ctx, r, route, serviceID, bodyBytes, retryPolicy, rewriter, transport)
	duration := time.Since(start)

	if p.metrics != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		p.metrics.RecordRequest(route.ID(), r.Method, status, duration)
	}

	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
		}
		if reportRedisOutcome != nil {
			reportRedisOutcome(err)
		}
		writeUpstreamError(w, err, serviceID)
		return
	}
	defer resp.Body.Close()

	var upstreamErr error
	if resp.StatusCode >= http.StatusInternalServerError {
		upstreamErr = errors.New(resp.StatusCode, "upstream returned a server error")
	}
	if breaker != nil {
		if upstreamErr != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	if reportRedisOutcome != nil {
		reportRedisOutcome(upstreamErr)
	}

	varCtx := variables.GetFromRequest(r)
	varCtx.UpstreamAddr = backendURL
	varCtx.UpstreamStatus = resp.StatusCode
	varCtx.UpstreamResponseTime = duration

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// bufferBody reads r.Body fully, bounded by maxBytes (§4.7 step 1). A nil
// body (GET/HEAD with no payload) returns nil, nil.
func bufferBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.ErrRequestTooLarge
	}
	return data, nil
}

// attempt resolves a backend and forwards the request, retrying
// connection-phase failures up to retryPolicy.MaxRetries times. Each retry
// re-resolves the backend, so it may land on a different instance.
func (p *Proxy) attempt(ctx context.Context, r *http.Request, route *router.Route, serviceID string, bodyBytes []byte, retryPolicy *retry.Policy, rewriter *transform.HeaderRewriter, transport http.RoundTripper) (*http.Response, string, error) {
	var lastErr error

	for try := 0; ; try++ {
		backendURL, err := p.discovery.Resolve(ctx, serviceID)
		if err != nil {
			lastErr = err
		} else {
			target, parseErr := url.Parse(backendURL)
			if parseErr != nil {
				return nil, backendURL, parseErr
			}

			proxyReq := p.buildRequest(ctx, r, target, route, bodyBytes, rewriter)
			resp, rtErr := transport.RoundTrip(proxyReq)
			if rtErr == nil {
				return resp, backendURL, nil
			}
			lastErr = rtErr
		}

		if try >= retryPolicy.MaxRetries || !retryPolicy.Retryable(r) {
			return nil, "", lastErr
		}
		if p.metrics != nil {
			p.metrics.RecordRetry(route.ID())
		}
		logging.Warn("retrying upstream request", zap.String("service", serviceID), zap.Int("attempt", try+1), zap.Error(lastErr))
		if !retryPolicy.Wait(ctx) {
			return nil, "", ctx.Err()
		}
	}
}

func (p *Proxy) buildRequest(ctx context.Context, r *http.Request, target *url.URL, route *router.Route, bodyBytes []byte, rewriter *transform.HeaderRewriter) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoinSlash(target.Path, route.Rewrite(r.URL.Path))
	targetURL.RawQuery = r.URL.RawQuery

	var body io.ReadCloser
	if bodyBytes != nil {
		body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: int64(len(bodyBytes)),
		Host:          target.Host,
	}).WithContext(ctx)

	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = append([]string(nil), vv...)
	}

	if clientIP := variables.ExtractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(proxyReq.Header)
	rewriter.Apply(proxyReq, variables.GetFromRequest(r))

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(proxyReq.Header))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		proxyReq.Header.Set("X-Trace-ID", sc.TraceID().String())
		proxyReq.Header.Set("X-Span-ID", sc.SpanID().String())
	}

	return proxyReq
}

func writeUpstreamError(w http.ResponseWriter, err error, serviceID string) {
	if err == context.DeadlineExceeded {
		errors.ErrGatewayTimeout.WithService(serviceID).WriteJSON(w)
		return
	}
	if err == discovery.ErrNoInstances {
		errors.ErrServiceUnavailable.WithService(serviceID).WithDetails(err.Error()).WriteJSON(w)
		return
	}
	errors.ErrBadGateway.WithDetails(err.Error()).WithService(serviceID).WriteJSON(w)
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}
