package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry

	sweepStop chan struct{}
	closeOnce sync.Once
}

// NewMemory constructs the in-process backing store. Expired entries are
// evicted lazily on lookup and swept on the given interval to bound memory;
// a non-positive interval disables the sweeper.
func NewMemory(sweepInterval time.Duration) Store {
	s := &memoryStore{
		entries:   make(map[string]Entry),
		sweepStop: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweep(sweepInterval)
	}
	return s
}

func (s *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !time.Now().Before(entry.ExpiresAt) {
		delete(s.entries, key)
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	now := time.Now().UTC()
	entry := Entry{
		Value:     append([]byte(nil), value...),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) DeletePattern(_ context.Context, pattern string) (int64, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, ErrInvalidPattern
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for key := range s.entries {
		if matcher.Match(key) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) EntryCount(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func (s *memoryStore) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.sweepStop) })
	return nil
}

func (s *memoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if !now.Before(entry.ExpiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func cloneEntry(in Entry) Entry {
	return Entry{
		Value:     append([]byte(nil), in.Value...),
		StoredAt:  in.StoredAt,
		ExpiresAt: in.ExpiresAt,
	}
}
