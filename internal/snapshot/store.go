package snapshot

import "sync/atomic"

// Store holds the current accepted snapshot. The poll cycle is the single
// writer; dashboard readers observe either the fully-old or fully-new value
// through the atomic pointer swap, never a partial update.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore constructs an empty store; Current returns nil until the first
// publish.
func NewStore() *Store {
	return &Store{}
}

// Current returns the last published snapshot, or nil before the first poll.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Publish replaces the current snapshot.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
}
