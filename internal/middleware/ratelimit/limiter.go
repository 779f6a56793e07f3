// Package ratelimit implements the gateway's token-bucket admission control:
// a global bucket, longest-prefix path buckets, per-client-IP buckets, and
// per-API-key buckets, all evaluated on every request.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// TokenBucket is a single named or keyed-family token bucket. capacity is the
// burst size; refillRate is tokens added per second.
type TokenBucket struct {
	capacity   float64
	refillRate float64
	buckets    *shardedMap[*bucketState]
}

type bucketState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket builds a bucket family from a declared rate rule. A zero
// BurstSize defaults the capacity to one second's worth of refill.
func NewTokenBucket(requestsPerSecond float64, burstSize int) *TokenBucket {
	if burstSize <= 0 {
		burstSize = int(requestsPerSecond)
		if burstSize <= 0 {
			burstSize = 1
		}
	}
	return &TokenBucket{
		capacity:   float64(burstSize),
		refillRate: requestsPerSecond,
		buckets:    newShardedMap[*bucketState](),
	}
}

// Allow consumes one token from the bucket identified by key. When denied,
// wait is the duration until a token becomes available.
func (tb *TokenBucket) Allow(key string) (allowed bool, wait time.Duration) {
	now := time.Now()
	state := tb.buckets.getOrCreate(key, func() *bucketState {
		return &bucketState{tokens: tb.capacity, lastRefill: now}
	})

	state.mu.Lock()
	defer state.mu.Unlock()

	elapsed := now.Sub(state.lastRefill).Seconds()
	state.tokens = minFloat(tb.capacity, state.tokens+elapsed*tb.refillRate)
	state.lastRefill = now

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}

	if tb.refillRate <= 0 {
		return false, time.Hour
	}
	wait = time.Duration((1 - state.tokens) / tb.refillRate * float64(time.Second))
	return false, wait
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// pathBucket pairs a configured path prefix with its bucket family.
type pathBucket struct {
	prefix string
	bucket *TokenBucket
}

// sortPathBuckets orders prefixes longest-first so the first match in a
// linear scan is always the longest (and therefore most specific) one.
func sortPathBuckets(pbs []pathBucket) {
	sort.SliceStable(pbs, func(i, j int) bool {
		return len(pbs[i].prefix) > len(pbs[j].prefix)
	})
}
