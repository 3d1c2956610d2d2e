package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-memory implementation of DatabaseStore.
type MemoryStore struct {
	mu      sync.RWMutex
	data    []byte
	set     bool
	version int
}

// NewMemoryStore creates a store holding data. Nil data leaves it empty.
func NewMemoryStore(data []byte) *MemoryStore {
	s := &MemoryStore{}
	if data != nil {
		s.Set(data)
	}
	return s
}

// Load returns a copy of the stored bytes.
func (s *MemoryStore) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return nil, ErrNotFound
	}
	return slices.Clone(s.data), nil
}

// Set replaces the stored bytes and returns the new version.
func (s *MemoryStore) Set(data []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = slices.Clone(data)
	s.set = true
	s.version++
	return s.version
}

// Version counts Set calls.
func (s *MemoryStore) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
