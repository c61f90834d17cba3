package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-federation/pkg/domain"
)

func exerciseRetryStore(t *testing.T, store RetryTimingsStore) {
	t.Helper()
	ctx := context.Background()

	got, err := store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	assert.Nil(t, got)

	down := domain.RetryTimings{FailureTS: 1000, RetryLastTS: 2000, RetryInterval: 90 * time.Second}
	require.NoError(t, store.SetRetryTimings(ctx, "example.org", down))

	got, err = store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, down, *got)
	assert.True(t, got.IsDown())

	require.NoError(t, store.SetRetryTimings(ctx, "example.org", domain.RetryTimings{}))
	got, err = store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsDown())

	other, err := store.GetRetryTimings(ctx, "other.org")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestMemoryRetryStore(t *testing.T) {
	exerciseRetryStore(t, NewMemoryRetryStore())
}

func TestBunRetryStoreSQLite(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "fedgate.db")
	store, err := Open(context.Background(), Options{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.IsType(t, &BunRetryStore{}, store)
	exerciseRetryStore(t, store)

	// Creating the schema again is harmless.
	require.NoError(t, store.(*BunRetryStore).CreateSchema(context.Background()))
}

func TestCachedRetryStore(t *testing.T) {
	backing := &countingStore{RetryTimingsStore: NewMemoryRetryStore()}
	store, err := NewCachedRetryStore(backing, 8)
	require.NoError(t, err)
	exerciseRetryStore(t, store)

	ctx := context.Background()
	backing.gets = 0
	for i := 0; i < 3; i++ {
		_, err := store.GetRetryTimings(ctx, "example.org")
		require.NoError(t, err)
	}
	assert.Zero(t, backing.gets)

	store.Invalidate("example.org")
	_, err = store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets)
}

func TestCachedRetryStoreReturnsCopies(t *testing.T) {
	store, err := NewCachedRetryStore(NewMemoryRetryStore(), 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.SetRetryTimings(ctx, "example.org", domain.RetryTimings{RetryLastTS: 5}))
	got, err := store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	got.RetryLastTS = 0

	again, err := store.GetRetryTimings(ctx, "example.org")
	require.NoError(t, err)
	assert.EqualValues(t, 5, again.RetryLastTS)
}

func TestCachedRetryStoreWriteFailure(t *testing.T) {
	backing := &countingStore{RetryTimingsStore: NewMemoryRetryStore(), setErr: errors.New("disk full")}
	store, err := NewCachedRetryStore(backing, 8)
	require.NoError(t, err)

	err = store.SetRetryTimings(context.Background(), "example.org", domain.RetryTimings{RetryLastTS: 1})
	require.Error(t, err)
	assert.Zero(t, store.Len())
}

func TestCachedRetryStoreEvicts(t *testing.T) {
	store, err := NewCachedRetryStore(NewMemoryRetryStore(), 2)
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SetRetryTimings(ctx, domain.ServerName(fmt.Sprintf("s%d.org", i)), domain.RetryTimings{}))
	}
	assert.Equal(t, 2, store.Len())
}

func TestDetectDatabaseType(t *testing.T) {
	assert.Equal(t, DatabaseTypePostgreSQL, DetectDatabaseType("postgres://u:p@localhost/db"))
	assert.Equal(t, DatabaseTypePostgreSQL, DetectDatabaseType("postgresql://u:p@localhost/db"))
	assert.Equal(t, DatabaseTypePostgreSQL, DetectDatabaseType("unix://u:p@db/var/run/postgresql/.s.PGSQL.5432"))
	assert.Equal(t, DatabaseTypeSQLite, DetectDatabaseType("file::memory:"))
	assert.Equal(t, DatabaseTypeSQLite, DetectDatabaseType("/var/lib/fedgate.db"))
}

func TestOpenMemory(t *testing.T) {
	for _, dsn := range []string{"", "memory"} {
		store, err := Open(context.Background(), Options{DSN: dsn})
		require.NoError(t, err)
		assert.IsType(t, &MemoryRetryStore{}, store)
	}
}

type countingStore struct {
	RetryTimingsStore
	gets   int
	setErr error
}

func (c *countingStore) GetRetryTimings(ctx context.Context, d domain.ServerName) (*domain.RetryTimings, error) {
	c.gets++
	return c.RetryTimingsStore.GetRetryTimings(ctx, d)
}

func (c *countingStore) SetRetryTimings(ctx context.Context, d domain.ServerName, t domain.RetryTimings) error {
	if c.setErr != nil {
		return c.setErr
	}
	return c.RetryTimingsStore.SetRetryTimings(ctx, d, t)
}
