package etrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Defaults for the engine tunables. Configuration overrides them through
// the corresponding options.
const (
	DefaultCacheTTL         = 5 * time.Minute
	DefaultCacheCapacity    = 1024
	DefaultWorkers          = 8
	DefaultMaxUnconstrained = 50
	DefaultHashScanLimit    = 25
)

// Observer receives engine events for metrics export. Methods may be called
// concurrently; implementations must be safe for that.
type Observer interface {
	VerificationDone(outcome Outcome, d time.Duration)
	CacheHit()
	CacheMiss()
}

type nopObserver struct{}

func (nopObserver) VerificationDone(Outcome, time.Duration) {}
func (nopObserver) CacheHit()                               {}
func (nopObserver) CacheMiss()                              {}

// Client is the verification engine entry point. It owns the batch metadata
// cache — the only process-lifetime state — and borrows everything else from
// the injected ledger and storage collaborators.
type Client struct {
	ledger LedgerClient
	store  StorageClient
	cache  *batchCache
	logger *zap.Logger

	workers          int
	maxUnconstrained int
	hashScanLimit    int
	tieMargin        float64
	observer         Observer
	now              func() time.Time

	cacheTTL      time.Duration
	cacheCapacity int
}

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		c.logger = l
		return nil
	}
}

// WithCacheTTL bounds how long batch descriptors stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive, got %v", ttl)
		}
		c.cacheTTL = ttl
		return nil
	}
}

// WithCacheCapacity bounds how many batch descriptors stay cached.
func WithCacheCapacity(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("cache capacity must be positive, got %d", n)
		}
		c.cacheCapacity = n
		return nil
	}
}

// WithWorkers sets the VerifyMany worker pool size.
func WithWorkers(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("worker count must be positive, got %d", n)
		}
		c.workers = n
		return nil
	}
}

// WithMaxUnconstrainedCandidates bounds how many most-recent batches an
// unconstrained search considers before flagging the result incomplete.
func WithMaxUnconstrainedCandidates(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("max unconstrained candidates must be positive, got %d", n)
		}
		c.maxUnconstrained = n
		return nil
	}
}

// WithHashScanLimit bounds how many batch contents a transaction-hash search
// fetches from storage.
func WithHashScanLimit(n int) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("hash scan limit must be positive, got %d", n)
		}
		c.hashScanLimit = n
		return nil
	}
}

// WithTieMargin sets the relevance-score margin within which top candidates
// count as tied and verification returns Ambiguous. Zero means exact ties
// only.
func WithTieMargin(m float64) Option {
	return func(c *Client) error {
		if m < 0 {
			return fmt.Errorf("tie margin must not be negative, got %v", m)
		}
		c.tieMargin = m
		return nil
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) error {
		c.observer = o
		return nil
	}
}

// WithClock injects the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		c.now = now
		return nil
	}
}

// New creates a Client over the given ledger and storage collaborators.
func New(ledger LedgerClient, store StorageClient, opts ...Option) (*Client, error) {
	if ledger == nil {
		return nil, fmt.Errorf("ledger client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage client is required")
	}

	c := &Client{
		ledger:           ledger,
		store:            store,
		logger:           zap.NewNop(),
		workers:          DefaultWorkers,
		maxUnconstrained: DefaultMaxUnconstrained,
		hashScanLimit:    DefaultHashScanLimit,
		observer:         nopObserver{},
		now:              time.Now,
		cacheTTL:         DefaultCacheTTL,
		cacheCapacity:    DefaultCacheCapacity,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	cache, err := newBatchCache(c.cacheCapacity, c.cacheTTL, c.now, c.fetchBatch)
	if err != nil {
		return nil, fmt.Errorf("create batch cache: %w", err)
	}
	cache.onHit = c.observer.CacheHit
	cache.onMiss = c.observer.CacheMiss
	c.cache = cache

	return c, nil
}

// fetchBatch is the cache's upstream: the ledger read that fills a miss.
func (c *Client) fetchBatch(ctx context.Context, batchID string) (*BatchDescriptor, error) {
	desc, err := c.ledger.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// GetBatch returns the descriptor anchored under batchID through the
// read-through cache.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*BatchDescriptor, error) {
	if !ValidBatchID(batchID) {
		return nil, &InvalidHintError{Field: "batch_id", Reason: "must look like BATCH-YYYY-MM-DD-<suffix>"}
	}
	return c.cache.get(ctx, batchID)
}

// InvalidateBatch drops a batch from the cache so the next read hits the
// ledger.
func (c *Client) InvalidateBatch(batchID string) {
	c.cache.invalidate(batchID)
}

// CacheLen returns the number of cached descriptors, expired included. For
// metrics and health reporting.
func (c *Client) CacheLen() int {
	return c.cache.len()
}

// StartCacheSweep runs periodic eviction of expired cache entries until ctx
// is cancelled.
func (c *Client) StartCacheSweep(ctx context.Context, interval time.Duration) {
	c.cache.startSweep(ctx, interval, c.logger)
}
