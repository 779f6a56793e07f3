// Package discovery implements the gateway's service discovery cache: a thin
// layer over a registry.Registry that resolves a service name to a single
// upstream URL, picked at random among the service's known instances, and
// keeps that list warm with a background refresh loop.
package discovery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/flowmesh/gateway/internal/logging"
	"github.com/flowmesh/gateway/internal/registry"
	"go.uber.org/zap"
)

// ErrNoInstances is returned when a service has no known healthy instances,
// whether from an empty cache entry or an empty registry lookup.
var ErrNoInstances = errors.New("discovery: no instances available")

// lookupTimeout bounds the synchronous registry call made on a cache miss.
const lookupTimeout = 5 * time.Second

// Cache resolves service names to upstream URLs, caching the instance list
// per service and refreshing it periodically in the background.
type Cache struct {
	registry        registry.Registry
	refreshInterval time.Duration

	mu      sync.RWMutex
	entries map[string][]*registry.Service

	stop chan struct{}
	once sync.Once
}

// New builds a Cache over reg. refreshInterval is how often a known service's
// instance list is re-fetched in the background; zero disables the refresh
// loop (instances are only (re)resolved on cache miss).
func New(reg registry.Registry, refreshInterval time.Duration) *Cache {
	return &Cache{
		registry:        reg,
		refreshInterval: refreshInterval,
		entries:         make(map[string][]*registry.Service),
		stop:            make(chan struct{}),
	}
}

// Resolve returns the URL of one instance of serviceName, chosen uniformly
// at random among its known instances. A cache miss triggers a synchronous
// registry lookup bounded by lookupTimeout.
func (c *Cache) Resolve(ctx context.Context, serviceName string) (string, error) {
	c.mu.RLock()
	instances, ok := c.entries[serviceName]
	c.mu.RUnlock()

	if ok {
		return pick(instances)
	}

	instances, err := c.fetch(ctx, serviceName)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[serviceName] = instances
	c.mu.Unlock()

	return pick(instances)
}

// fetch performs the synchronous registry lookup for a cache miss, bounding
// it to lookupTimeout regardless of ctx's own deadline.
func (c *Cache) fetch(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	instances, err := c.registry.Discover(fetchCtx, serviceName)
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func pick(instances []*registry.Service) (string, error) {
	if len(instances) == 0 {
		return "", ErrNoInstances
	}
	svc := instances[rand.Intn(len(instances))]
	return svc.URL(), nil
}

// Run starts the background refresh loop. It blocks until ctx is cancelled
// or Close is called. Each known service is refreshed independently every
// refreshInterval; a failed refresh logs a warning and leaves the previous
// entry in place rather than evicting it.
func (c *Cache) Run(ctx context.Context) {
	if c.refreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.refreshAll(ctx)
		}
	}
}

// refreshAll re-resolves every service name currently in the cache.
func (c *Cache) refreshAll(ctx context.Context) {
	c.mu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		instances, err := c.fetch(ctx, name)
		if err != nil {
			logging.Warn("service discovery refresh failed, keeping previous instances",
				zap.String("service", name), zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.entries[name] = instances
		c.mu.Unlock()
	}
}

// Close stops the background refresh loop if one is running.
func (c *Cache) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

// Instances returns a snapshot of the cached instance list for serviceName,
// for diagnostic and health-reporting use.
func (c *Cache) Instances(serviceName string) []*registry.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.entries[serviceName]
	out := make([]*registry.Service, len(src))
	copy(out, src)
	return out
}
