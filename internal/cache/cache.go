package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zabview/zabview/internal/metrics"
)

// FetchFunc computes the value for a key on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Stats reports the cache counters. Hit and miss counts are monotonic since
// process start.
type Stats struct {
	EntryCount int64  `json:"entryCount"`
	HitCount   uint64 `json:"hitCount"`
	MissCount  uint64 `json:"missCount"`
}

// degradedLogWindow limits backing-store failure logs to one per window so a
// dead store does not flood the log on every call.
const degradedLogWindow = 30 * time.Second

// Cache is the read-through layer over a backing Store. Misses are coalesced
// so at most one fetch per key is in flight system-wide, and a failing
// backing store degrades to direct fetches instead of surfacing errors on
// the success path.
type Cache struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu       sync.Mutex
	inflight map[string]*flight

	hits   atomic.Uint64
	misses atomic.Uint64

	degradedAt atomic.Int64
}

type flight struct {
	done  chan struct{}
	value []byte
	err   error
}

// New wires the read-through cache over the given backing store.
func New(store Store, logger *slog.Logger, rec *metrics.Recorder) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:    store,
		logger:   logger.With(slog.String("agent", "cache")),
		metrics:  rec,
		inflight: make(map[string]*flight),
	}
}

// Get returns the cached value when an unexpired entry exists.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	entry, ok, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.logDegraded("lookup", key, err)
		c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultError)
		return nil, false
	}
	if !ok {
		c.misses.Add(1)
		c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultMiss)
		return nil, false
	}
	c.hits.Add(1)
	c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultHit)
	return entry.Value, true
}

// Set inserts or overwrites an entry. A non-positive ttl is rejected with
// ErrInvalidTTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	if err := c.store.Store(ctx, key, value, ttl); err != nil {
		c.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultError)
		return err
	}
	c.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultStored)
	return nil
}

// GetOrCompute returns the cached value for key, or ensures exactly one
// execution of fetch is in flight for that key and hands every concurrent
// caller the same result. A fetch failure is propagated to all waiters and
// nothing is cached, so the next caller retries from scratch. A backing-store
// failure never surfaces here; the call degrades to a direct fetch.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) ([]byte, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	entry, ok, err := c.store.Lookup(ctx, key)
	if err != nil {
		c.logDegraded("lookup", key, err)
		c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultDegraded)
		return fetch(ctx)
	}
	if ok {
		c.hits.Add(1)
		c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultHit)
		return entry.Value, nil
	}
	c.misses.Add(1)
	c.metrics.ObserveCache(metrics.CacheOperationLookup, metrics.CacheResultMiss)

	c.mu.Lock()
	if existing, found := c.inflight[key]; found {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.value, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &flight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	fl.value, fl.err = fetch(ctx)
	if fl.err == nil {
		if err := c.store.Store(ctx, key, fl.value, ttl); err != nil {
			c.logDegraded("store", key, err)
			c.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultDegraded)
		} else {
			c.metrics.ObserveCache(metrics.CacheOperationStore, metrics.CacheResultStored)
		}
	}
	close(fl.done)

	c.mu.Lock()
	if current, found := c.inflight[key]; found && current == fl {
		delete(c.inflight, key)
	}
	c.mu.Unlock()

	return fl.value, fl.err
}

// InvalidatePattern removes every key matching a shell-style glob, anchored to
// the full key and case-sensitive.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int64, error) {
	removed, err := c.store.DeletePattern(ctx, pattern)
	if err != nil {
		c.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheResultError)
		return 0, err
	}
	c.metrics.ObserveCache(metrics.CacheOperationDelete, metrics.CacheResultDeleted)
	return removed, nil
}

// InvalidateAll clears the whole key space.
func (c *Cache) InvalidateAll(ctx context.Context) (int64, error) {
	return c.InvalidatePattern(ctx, "*")
}

// Stats reports entry and counter totals.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	count, err := c.store.EntryCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		EntryCount: count,
		HitCount:   c.hits.Load(),
		MissCount:  c.misses.Load(),
	}, nil
}

// Close releases the backing store.
func (c *Cache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

func (c *Cache) logDegraded(operation, key string, err error) {
	now := time.Now().UnixNano()
	last := c.degradedAt.Load()
	if now-last < int64(degradedLogWindow) {
		return
	}
	if !c.degradedAt.CompareAndSwap(last, now) {
		return
	}
	c.logger.Warn("cache degraded, bypassing backing store",
		slog.String("operation", operation),
		slog.String("key", key),
		slog.Any("error", err))
}
