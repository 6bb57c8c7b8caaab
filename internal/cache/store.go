package cache

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL rejects store attempts with a non-positive time to live.
var ErrInvalidTTL = errors.New("cache: ttl must be positive")

// ErrInvalidPattern rejects malformed glob patterns.
var ErrInvalidPattern = errors.New("cache: invalid pattern")

// Entry is one stored value with its retention window.
type Entry struct {
	Value     []byte
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Store is the backing key-value layer behind the read-through cache. The
// memory implementation is the per-process default; the valkey implementation
// is the seam for sharing entries across processes.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	EntryCount(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
