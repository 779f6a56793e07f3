// Package server owns the gateway's process lifecycle: binding the listener,
// starting background tasks, and shutting down cleanly on signal.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/gateway"
	"github.com/flowmesh/gateway/internal/logging"
	"go.uber.org/zap"
)

// drainTimeout bounds how long Shutdown waits for in-flight requests to
// finish before the listener is torn down regardless (spec §5).
const drainTimeout = 30 * time.Second

// Server wraps a Gateway with the process-level concerns the gateway itself
// doesn't own: the listening socket, the health/metrics endpoints, config
// watching, and graceful shutdown.
type Server struct {
	gw         *gateway.Gateway
	httpServer *http.Server
	holder     *config.Holder

	cancel context.CancelFunc
}

// Options configures a Server.
type Options struct {
	Host       string
	Port       int
	ConfigPath string // not read by the server; Run takes the watched config path
}

// New builds a Server bound to host:port, wiring the gateway's handler
// alongside the health check, metrics, and CORS-preflight endpoints spec.md
// §6 requires — all ungated by the route table.
func New(holder *config.Holder, opts Options) (*Server, error) {
	gw, err := gateway.New(holder)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)

	snap := holder.Current()
	metricsPath := snap.MetricsEndpoint
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.HandleFunc(metricsPath, func(w http.ResponseWriter, r *http.Request) {
		gw.Metrics().WritePrometheus(w)
	})

	mux.Handle("/", corsPreflight(gw.Middlewares().Then(gw.Handler())))

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	return &Server{
		gw:     gw,
		holder: holder,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  snap.Server.ReadTimeout,
			WriteTimeout: snap.Server.WriteTimeout,
			IdleTimeout:  snap.Server.IdleTimeout,
		},
	}, nil
}

// handleHealth answers the liveness probe spec.md §6 describes.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// corsPreflight answers any OPTIONS request before it reaches the route
// table, per spec.md §6 — a gateway-wide preflight responder independent of
// whether the matched route itself carries a CORS policy.
func corsPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// Run starts the HTTP listener and config watcher (the discovery refresh
// loop is already started when New builds the gateway); it blocks until ctx is cancelled, then drains in-flight requests for up
// to drainTimeout before returning.
func (s *Server) Run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if configPath != "" {
		watcher, err := s.gw.WatchConfig(ctx, configPath)
		if err != nil {
			return fmt.Errorf("server: config watcher: %w", err)
		}
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown stops accepting new connections, drains in-flight requests up to
// drainTimeout, and releases the gateway's background resources.
func (s *Server) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.gw.Close()
}

// Gateway returns the underlying Gateway, for tests.
func (s *Server) Gateway() *gateway.Gateway { return s.gw }
