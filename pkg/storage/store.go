// Package storage persists the per-destination retry timings consulted when
// authenticating inbound federation requests.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-federation/pkg/domain"
)

// RetryTimingsStore is the storage contract shared by every backend.
type RetryTimingsStore interface {
	GetRetryTimings(ctx context.Context, destination domain.ServerName) (*domain.RetryTimings, error)
	SetRetryTimings(ctx context.Context, destination domain.ServerName, timings domain.RetryTimings) error
	Close() error
}

// Options selects and tunes a backend.
type Options struct {
	// DSN is a postgres:// URL, a sqlite DSN, or "memory".
	DSN string
	// CacheSize enables an LRU read cache in front of database backends.
	CacheSize int
}

// Open returns the backend described by opts.
func Open(ctx context.Context, opts Options) (RetryTimingsStore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if IsMemoryDSN(dsn) {
		return NewMemoryRetryStore(), nil
	}

	db, err := NewDB(ctx, dsn)
	if err != nil {
		return nil, err
	}
	store := NewBunRetryStore(db)
	if err := store.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if opts.CacheSize <= 0 {
		return store, nil
	}
	return NewCachedRetryStore(store, opts.CacheSize)
}

// IsMemoryDSN reports whether dsn selects the in-process store.
func IsMemoryDSN(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	return dsn == "" || dsn == "memory"
}
