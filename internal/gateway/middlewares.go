package gateway

import (
	"net/http"

	"github.com/flowmesh/gateway/internal/middleware"
)

// Middlewares composes the ambient chain that wraps every request before it
// reaches the gateway's route-aware handler: trace, metrics, request-id,
// recover, then access-log. Auth, rate limiting, and the circuit breaker are
// route-scoped and live inside serveHTTP instead, since they depend on the
// matched route's configuration.
func (g *Gateway) Middlewares() *middleware.Chain {
	return middleware.NewChain(
		g.tracer.Middleware(),
		g.metricsMiddleware(),
		middleware.RequestID(),
		middleware.Recovery(),
		g.accessLogMiddleware(),
	)
}

// metricsMiddleware wraps the response writer to capture the status code; it
// records no observation itself. Request counts and durations are recorded
// by the proxy once a route is resolved, so requests that end before the
// proxy (404s, auth and rate-limit denials) are not counted.
func (g *Gateway) metricsMiddleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
		})
	}
}

// accessLogMiddleware emits one structured line per request: method, path,
// status, duration, and the request ID assigned upstream.
func (g *Gateway) accessLogMiddleware() middleware.Middleware {
	return middleware.Logging()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
