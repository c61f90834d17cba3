package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polisai/polis-federation/pkg/domain"
)

// CachedRetryStore serves reads from an LRU cache in front of another store.
// Writes go through to the backing store before the cache is updated.
type CachedRetryStore struct {
	backing RetryTimingsStore
	cache   *lru.Cache[domain.ServerName, *domain.RetryTimings]
}

// NewCachedRetryStore wraps backing with a cache of size entries.
func NewCachedRetryStore(backing RetryTimingsStore, size int) (*CachedRetryStore, error) {
	cache, err := lru.New[domain.ServerName, *domain.RetryTimings](size)
	if err != nil {
		return nil, fmt.Errorf("create retry timings cache: %w", err)
	}
	return &CachedRetryStore{backing: backing, cache: cache}, nil
}

// GetRetryTimings returns the timings of destination. Missing rows are cached
// as well.
func (s *CachedRetryStore) GetRetryTimings(ctx context.Context, destination domain.ServerName) (*domain.RetryTimings, error) {
	if t, ok := s.cache.Get(destination); ok {
		return copyTimings(t), nil
	}
	t, err := s.backing.GetRetryTimings(ctx, destination)
	if err != nil {
		return nil, err
	}
	s.cache.Add(destination, copyTimings(t))
	return t, nil
}

// SetRetryTimings writes through to the backing store.
func (s *CachedRetryStore) SetRetryTimings(ctx context.Context, destination domain.ServerName, timings domain.RetryTimings) error {
	if err := s.backing.SetRetryTimings(ctx, destination, timings); err != nil {
		s.cache.Remove(destination)
		return err
	}
	s.cache.Add(destination, &timings)
	return nil
}

// Invalidate drops destination from the cache.
func (s *CachedRetryStore) Invalidate(destination domain.ServerName) {
	s.cache.Remove(destination)
}

// Len returns the number of cached destinations.
func (s *CachedRetryStore) Len() int {
	return s.cache.Len()
}

// Close closes the backing store.
func (s *CachedRetryStore) Close() error {
	s.cache.Purge()
	return s.backing.Close()
}

func copyTimings(t *domain.RetryTimings) *domain.RetryTimings {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
