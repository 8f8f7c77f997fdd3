package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/twallet/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConflict is returned when a transaction lost a lock race or timed out
// waiting for one. Nothing it did was committed and it can be retried.
var ErrConflict = errors.New("concurrent modification conflict")

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique constraint
var ErrDuplicate = errors.New("already exists")

// Postgres error codes treated as retryable conflicts
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// marketLockKey is the advisory lock serializing every mutation of the order
// book and balances.
const marketLockKey int64 = 0x7477616c6c6574

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool        *pgxpool.Pool
	LockTimeout time.Duration
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool, LockTimeout: 5 * time.Second}, nil
}

// NewDBWithConfig initializes a pool from a parsed config
func NewDBWithConfig(ctx context.Context, cfg *pgxpool.Config, lockTimeout time.Duration) (*DB, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{Pool: pool, LockTimeout: lockTimeout}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate applies the embedded schema. Scripts are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	scripts, err := migrations.Scripts()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	for i, script := range scripts {
		if _, err := db.Pool.Exec(ctx, script); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	return nil
}

// InTx runs fn inside a read-committed transaction. The transaction is
// committed if fn returns nil and rolled back otherwise. Lock waits are
// bounded by LockTimeout; lock timeouts, deadlocks and serialization failures
// come back wrapped in ErrConflict.
func (db *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if db.LockTimeout > 0 {
		// SET LOCAL does not accept bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classify(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	if err := fn(&Tx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Tx is a unit of work against the market tables
type Tx struct {
	tx pgx.Tx
}

// LockMarket takes the transaction-scoped market lock
func (t *Tx) LockMarket(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", marketLockKey); err != nil {
		return fmt.Errorf("failed to lock market: %w", err)
	}
	return nil
}

// IsConflict reports whether err is a retryable Postgres conflict
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return true
		}
	}
	return false
}

func classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) || !IsConflict(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConflict, err)
}
