package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolInterface defines the database operations needed by Store
// This allows mocking in tests
type PoolInterface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store persists every artifact of the detection loop: anomalies with
// their agent verdicts, user actions, outcomes, pattern quality, learned
// thresholds, the pending-outcome schedule, and causal observations.
type Store struct {
	pool PoolInterface
}

// NewStore creates a store with the given pool interface
func NewStore(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// NewStoreWithPool creates a store with a pgx pool
func NewStoreWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}
