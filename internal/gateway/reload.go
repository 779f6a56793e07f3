package gateway

import (
	"context"
	"time"

	"github.com/flowmesh/gateway/internal/config"
	"github.com/flowmesh/gateway/internal/logging"
	"go.uber.org/zap"
)

// reloadPollInterval is how often the gateway checks whether the config
// watcher has swapped in a new snapshot. The watcher itself debounces
// filesystem events at 250ms, so polling faster than that buys nothing.
const reloadPollInterval = 500 * time.Millisecond

// WatchConfig starts a config.Watcher against path, then watches the holder
// for generation bumps and rebuilds the route table and middleware managers
// on each one. The watcher owns the atomic Holder swap (see
// internal/config/watcher.go); Gateway only needs to re-derive its
// router/authenticator/rateLimiter/corsHandlers from the new snapshot.
//
// serveHTTP always reads those fields through a single struct-field read
// (no per-field locking), so a reload is observed atomically per field but
// not transactionally across fields — acceptable here since applySnapshot
// builds the whole new set before assigning any of them.
func (g *Gateway) WatchConfig(ctx context.Context, path string) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path, g.holder, logging.Global())
	if err != nil {
		return nil, err
	}
	go watcher.Run()
	go g.pollReloads(ctx)
	return watcher, nil
}

func (g *Gateway) pollReloads(ctx context.Context) {
	lastGen := g.holder.Current().Generation
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := g.holder.Current()
			if snap.Generation == lastGen {
				continue
			}
			lastGen = snap.Generation
			if err := g.applySnapshot(snap); err != nil {
				logging.Error("config reload failed, keeping previous route table",
					zap.Error(err), zap.Int64("generation", snap.Generation))
			}
		}
	}
}
