package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/polisai/polis-federation/pkg/domain"
)

type destinationRow struct {
	bun.BaseModel `bun:"table:destinations"`

	Destination     string `bun:"destination,pk"`
	FailureTS       int64  `bun:"failure_ts,notnull"`
	RetryLastTS     int64  `bun:"retry_last_ts,notnull"`
	RetryIntervalMS int64  `bun:"retry_interval,notnull"`
}

func (r *destinationRow) timings() *domain.RetryTimings {
	return &domain.RetryTimings{
		FailureTS:     r.FailureTS,
		RetryLastTS:   r.RetryLastTS,
		RetryInterval: time.Duration(r.RetryIntervalMS) * time.Millisecond,
	}
}

// BunRetryStore keeps retry timings in the destinations table of a SQL
// database.
type BunRetryStore struct {
	db *bun.DB
}

// NewBunRetryStore creates a store on db.
func NewBunRetryStore(db *bun.DB) *BunRetryStore {
	return &BunRetryStore{db: db}
}

// CreateSchema creates the destinations table if it does not exist.
func (s *BunRetryStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*destinationRow)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

// GetRetryTimings returns the stored timings of destination, or nil.
func (s *BunRetryStore) GetRetryTimings(ctx context.Context, destination domain.ServerName) (*domain.RetryTimings, error) {
	var row destinationRow
	err := s.db.NewSelect().
		Model(&row).
		Where("destination = ?", string(destination)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select destination %s: %w", destination, err)
	}
	return row.timings(), nil
}

// SetRetryTimings upserts the timings of destination.
func (s *BunRetryStore) SetRetryTimings(ctx context.Context, destination domain.ServerName, timings domain.RetryTimings) error {
	row := &destinationRow{
		Destination:     string(destination),
		FailureTS:       timings.FailureTS,
		RetryLastTS:     timings.RetryLastTS,
		RetryIntervalMS: timings.RetryInterval.Milliseconds(),
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (destination) DO UPDATE").
		Set("failure_ts = EXCLUDED.failure_ts").
		Set("retry_last_ts = EXCLUDED.retry_last_ts").
		Set("retry_interval = EXCLUDED.retry_interval").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert destination %s: %w", destination, err)
	}
	return nil
}

// Close closes the database connection.
func (s *BunRetryStore) Close() error {
	return s.db.Close()
}
