package etrap

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// cacheEntry holds a cached batch descriptor with its expiry.
type cacheEntry struct {
	desc      *BatchDescriptor
	expiresAt time.Time
}

// batchCache is a read-through, TTL-bounded, capacity-bounded cache of batch
// descriptors keyed by batch id. It owns no correctness guarantee — a miss is
// always transparently repaired by re-fetch from the ledger. Concurrent
// misses for the same key share one in-flight fetch.
type batchCache struct {
	entries *lru.Cache[string, cacheEntry]
	flight  singleflight.Group
	fetch   func(ctx context.Context, batchID string) (*BatchDescriptor, error)
	ttl     time.Duration
	now     func() time.Time

	// metrics hooks, optional
	onHit  func()
	onMiss func()
}

func newBatchCache(capacity int, ttl time.Duration, now func() time.Time,
	fetch func(ctx context.Context, batchID string) (*BatchDescriptor, error)) (*batchCache, error) {

	entries, err := lru.New[string, cacheEntry](capacity)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &batchCache{entries: entries, fetch: fetch, ttl: ttl, now: now}, nil
}

// get returns the descriptor for batchID, fetching on a miss or past-TTL
// hit. A cancelled fetch is treated as a miss and never cached.
func (c *batchCache) get(ctx context.Context, batchID string) (*BatchDescriptor, error) {
	if e, ok := c.entries.Get(batchID); ok {
		if c.now().Before(e.expiresAt) {
			if c.onHit != nil {
				c.onHit()
			}
			return e.desc, nil
		}
		c.entries.Remove(batchID) // lazy eviction
	}
	if c.onMiss != nil {
		c.onMiss()
	}

	v, err, _ := c.flight.Do(batchID, func() (any, error) {
		// A concurrent flight may have populated the entry while this caller
		// was queued behind it.
		if e, ok := c.entries.Get(batchID); ok && c.now().Before(e.expiresAt) {
			return e.desc, nil
		}

		desc, err := c.fetch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.entries.Add(batchID, cacheEntry{desc: desc, expiresAt: c.now().Add(c.ttl)})
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BatchDescriptor), nil
}

// invalidate removes a batch from the cache and forgets any in-flight fetch
// so the next get re-reads the ledger.
func (c *batchCache) invalidate(batchID string) {
	c.entries.Remove(batchID)
	c.flight.Forget(batchID)
}

// evict removes all expired entries and returns how many it removed.
func (c *batchCache) evict() int {
	n := 0
	cutoff := c.now()
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !cutoff.Before(e.expiresAt) {
			c.entries.Remove(key)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *batchCache) len() int {
	return c.entries.Len()
}

// startSweep runs a background goroutine that periodically evicts expired
// entries until ctx is cancelled.
func (c *batchCache) startSweep(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.evict(); n > 0 {
					logger.Debug("batch cache sweep", zap.Int("evicted", n))
				}
			}
		}
	}()
}
