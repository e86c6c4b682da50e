package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindowStore is a process-local WindowStore. A background sweep
// drops identifiers that have gone quiet so the maps do not grow without
// bound under scanning traffic.
type MemoryWindowStore struct {
	mu      sync.Mutex
	hits    map[string][]time.Time
	blocked map[string]time.Time

	cleanupInterval time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
}

// NewMemoryWindowStore creates the store and starts its sweep goroutine.
func NewMemoryWindowStore() *MemoryWindowStore {
	s := &MemoryWindowStore{
		hits:            make(map[string][]time.Time),
		blocked:         make(map[string]time.Time),
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryWindowStore) CountInWindow(ctx context.Context, identifier string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := s.pruneLocked(identifier, now, window)
	return len(pruned), nil
}

func (s *MemoryWindowStore) RecordHit(ctx context.Context, identifier string, now time.Time, window time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits[identifier] = append(s.pruneLocked(identifier, now, window), now)
	return nil
}

func (s *MemoryWindowStore) SetBlock(ctx context.Context, identifier string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocked[identifier] = until
	return nil
}

func (s *MemoryWindowStore) BlockedUntil(ctx context.Context, identifier string, now time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocked[identifier]
	if !ok {
		return time.Time{}, false, nil
	}
	if now.After(until) {
		delete(s.blocked, identifier)
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *MemoryWindowStore) ClearBlock(ctx context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blocked, identifier)
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryWindowStore) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// pruneLocked drops hits older than the window. Caller holds the mutex.
func (s *MemoryWindowStore) pruneLocked(identifier string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := s.hits[identifier][:0]
	for _, at := range s.hits[identifier] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(s.hits, identifier)
		return nil
	}
	s.hits[identifier] = kept
	return kept
}

func (s *MemoryWindowStore) sweep() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, times := range s.hits {
				if len(times) == 0 || now.Sub(times[len(times)-1]) > time.Hour {
					delete(s.hits, id)
				}
			}
			for id, until := range s.blocked {
				if now.After(until) {
					delete(s.blocked, id)
				}
			}
			s.mu.Unlock()
		case <-s.stopChan:
			return
		}
	}
}

var _ WindowStore = (*MemoryWindowStore)(nil)
