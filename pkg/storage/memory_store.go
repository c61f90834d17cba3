package storage

import (
	"context"
	"sync"

	"github.com/polisai/polis-federation/pkg/domain"
)

// MemoryRetryStore is an in-memory implementation of RetryTimingsStore.
type MemoryRetryStore struct {
	mu      sync.RWMutex
	timings map[domain.ServerName]domain.RetryTimings
}

// NewMemoryRetryStore creates a new MemoryRetryStore.
func NewMemoryRetryStore() *MemoryRetryStore {
	return &MemoryRetryStore{
		timings: make(map[domain.ServerName]domain.RetryTimings),
	}
}

// GetRetryTimings returns the stored timings of destination, or nil.
func (s *MemoryRetryStore) GetRetryTimings(_ context.Context, destination domain.ServerName) (*domain.RetryTimings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.timings[destination]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// SetRetryTimings stores timings for destination.
func (s *MemoryRetryStore) SetRetryTimings(_ context.Context, destination domain.ServerName, timings domain.RetryTimings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timings[destination] = timings
	return nil
}

// Close is a no-op for memory store.
func (s *MemoryRetryStore) Close() error {
	return nil
}
