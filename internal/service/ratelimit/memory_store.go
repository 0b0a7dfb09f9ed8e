// internal/service/ratelimit/memory_store.go

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a process-local CounterStore. Entries are bounded by size
// and dropped once idle for maxWindow.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock
	lru   *expirable.LRU[string, window]
}

// NewMemoryStore creates a new in-process counter store
func NewMemoryStore(clk clock.Clock, size int, maxWindow time.Duration) *MemoryStore {
	return &MemoryStore{
		clock: clk,
		lru:   expirable.NewLRU[string, window](size, nil, maxWindow),
	}
}

// Increment adds one to key within the current window
func (s *MemoryStore) Increment(ctx context.Context, key string, d time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	w, ok := s.lru.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(d)}
	}
	w.count++
	s.lru.Add(key, w)
	return w.count, nil
}
