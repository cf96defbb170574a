package memory

import (
	"context"
	"sync"
	"time"

	"pixeldraw/core"
)

// memStore keeps cooldowns only for the lifetime of the process. Useful for
// tests and for short-lived runs where forgetting windows on restart is
// acceptable.
type memStore struct {
	mu        sync.RWMutex
	cooldowns map[core.Point]time.Time
}

// NewStore creates a new in-memory store.
func NewStore() *memStore {
	return &memStore{cooldowns: make(map[core.Point]time.Time)}
}

func (s *memStore) Get(p core.Point) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.cooldowns[p]
	return t, ok
}

func (s *memStore) Set(p core.Point, notBefore time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cooldowns[p]; ok && existing.After(notBefore) {
		return
	}
	s.cooldowns[p] = notBefore
}

func (s *memStore) Snapshot() map[core.Point]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[core.Point]time.Time, len(s.cooldowns))
	for p, t := range s.cooldowns {
		out[p] = t
	}
	return out
}

// Load is a no-op; nothing outlives the process.
func (s *memStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op.
func (s *memStore) Persist(ctx context.Context) error { return nil }

func (s *memStore) Close() error { return nil }
