package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemory(0)
	ctx := context.Background()

	if err := store.Store(ctx, "zabbix:hosts", []byte("payload"), 500*time.Millisecond); err != nil {
		t.Fatalf("store: %v", err)
	}

	entry, ok, err := store.Lookup(ctx, "zabbix:hosts")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if string(entry.Value) != "payload" {
		t.Fatalf("unexpected value %q", entry.Value)
	}
	if !entry.ExpiresAt.After(entry.StoredAt) {
		t.Fatalf("expected expiry after creation, got %v <= %v", entry.ExpiresAt, entry.StoredAt)
	}

	count, err := store.EntryCount(ctx)
	if err != nil {
		t.Fatalf("entry count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	if err := store.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemory(0)
	ctx := context.Background()

	if err := store.Store(ctx, "key", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	_, ok, err := store.Lookup(ctx, "key")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected entry to expire")
	}
}

func TestMemoryStoreRejectsBadTTL(t *testing.T) {
	store := NewMemory(0)
	if err := store.Store(context.Background(), "key", []byte("v"), 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

func TestMemoryStoreDeletePattern(t *testing.T) {
	store := NewMemory(0)
	ctx := context.Background()

	for _, key := range []string{"zabbix:hosts", "zabbix:problems", "anomaly:1"} {
		if err := store.Store(ctx, key, []byte("v"), time.Minute); err != nil {
			t.Fatalf("store %s: %v", key, err)
		}
	}

	removed, err := store.DeletePattern(ctx, "zabbix:*")
	if err != nil {
		t.Fatalf("delete pattern: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}

	_, ok, _ := store.Lookup(ctx, "anomaly:1")
	if !ok {
		t.Fatalf("expected non-matching key to survive")
	}
	_, ok, _ = store.Lookup(ctx, "zabbix:hosts")
	if ok {
		t.Fatalf("expected matching key to be removed")
	}

	if _, err := store.DeletePattern(ctx, "zabbix:["); !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemory(10 * time.Millisecond)
	ctx := context.Background()
	defer func() { _ = store.Close(ctx) }()

	if err := store.Store(ctx, "short", []byte("v"), 5*time.Millisecond); err != nil {
		t.Fatalf("store: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	count, err := store.EntryCount(ctx)
	if err != nil {
		t.Fatalf("entry count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected sweeper to evict expired entry, have %d", count)
	}
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := New(NewMemory(0), nil, nil)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	const workers = 50
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(ctx, "cold", time.Minute, fetch)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch for a cold key, got %d", got)
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if string(results[i]) != "computed" {
			t.Fatalf("worker %d: unexpected value %q", i, results[i])
		}
	}

	// Subsequent callers hit the stored entry without another fetch.
	if _, err := c.GetOrCompute(ctx, "cold", time.Minute, fetch); err != nil {
		t.Fatalf("warm get: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected warm hit to skip fetch, got %d calls", got)
	}
}

func TestGetOrComputeFailureSharedAndNotCached(t *testing.T) {
	c := New(NewMemory(0), nil, nil)
	ctx := context.Background()

	boom := errors.New("upstream down")
	var calls atomic.Int32
	failing := func(context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return nil, boom
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrCompute(ctx, "key", time.Minute, failing)
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one fetch during the failure window, got %d", got)
	}
	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("waiter %d: expected shared failure, got %v", i, err)
		}
	}

	// Nothing was cached; the next caller retries from scratch.
	value, err := c.GetOrCompute(ctx, "key", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if string(value) != "recovered" {
		t.Fatalf("unexpected retry value %q", value)
	}
}

func TestGetOrComputeRejectsBadTTL(t *testing.T) {
	c := New(NewMemory(0), nil, nil)
	_, err := c.GetOrCompute(context.Background(), "key", 0, func(context.Context) ([]byte, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}

type brokenStore struct{}

func (brokenStore) Lookup(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("backend unavailable")
}

func (brokenStore) Store(context.Context, string, []byte, time.Duration) error {
	return errors.New("backend unavailable")
}

func (brokenStore) DeletePattern(context.Context, string) (int64, error) {
	return 0, errors.New("backend unavailable")
}

func (brokenStore) EntryCount(context.Context) (int64, error) {
	return 0, errors.New("backend unavailable")
}

func (brokenStore) Close(context.Context) error { return nil }

func TestGetOrComputeDegradesOnBackendFailure(t *testing.T) {
	c := New(brokenStore{}, nil, nil)

	value, err := c.GetOrCompute(context.Background(), "key", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	if err != nil {
		t.Fatalf("expected degraded call to succeed, got %v", err)
	}
	if string(value) != "direct" {
		t.Fatalf("unexpected value %q", value)
	}
}

func TestCacheStats(t *testing.T) {
	c := New(NewMemory(0), nil, nil)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss")
	}
	if err := c.Set(ctx, "present", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := c.Get(ctx, "present"); !ok {
		t.Fatalf("expected hit")
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.EntryCount != 1 || stats.HitCount != 1 || stats.MissCount != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if err := c.Set(ctx, "present", []byte("v"), 0); !errors.Is(err, ErrInvalidTTL) {
		t.Fatalf("expected ErrInvalidTTL, got %v", err)
	}
}
