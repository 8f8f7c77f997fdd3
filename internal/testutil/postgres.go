// Package testutil starts the Postgres instance used by integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xtrntr/twallet/internal/db"
)

// Postgres is a migrated test database
type Postgres struct {
	DB        *db.DB
	container *postgres.PostgresContainer
}

// StartPostgres connects to the database named by TEST_DB_* variables or,
// when TEST_DB_HOST is unset, starts a throwaway container. The schema is
// migrated and the token supply initialized.
func StartPostgres(ctx context.Context) (*Postgres, error) {
	pg := &Postgres{}

	dsn, err := pg.dsn(ctx)
	if err != nil {
		return nil, err
	}

	pg.DB, err = db.NewDB(ctx, dsn)
	if err == nil {
		err = pg.DB.Pool.Ping(ctx)
	}
	if err == nil {
		err = pg.DB.Migrate(ctx)
	}
	if err == nil {
		_, err = pg.DB.InitTokenSupply(ctx)
	}
	if err != nil {
		pg.Terminate(ctx)
		return nil, fmt.Errorf("failed to prepare test database: %w", err)
	}
	return pg, nil
}

func (pg *Postgres) dsn(ctx context.Context) (string, error) {
	if host := os.Getenv("TEST_DB_HOST"); host != "" {
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			host,
			getenv("TEST_DB_PORT", "5432"),
			getenv("TEST_DB_USER", "postgres"),
			getenv("TEST_DB_PASSWORD", "postgres"),
			getenv("TEST_DB_NAME", "test_db")), nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}
	pg.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pg.Terminate(ctx)
		return "", fmt.Errorf("failed to get connection string: %w", err)
	}
	return dsn, nil
}

// Reset empties every table and zeroes the token supply
func (pg *Postgres) Reset(ctx context.Context) error {
	_, err := pg.DB.Pool.Exec(ctx,
		"TRUNCATE TABLE users, user_balances, orders, transactions RESTART IDENTITY; UPDATE token_supply SET total_tokens = 0")
	if err != nil {
		return fmt.Errorf("failed to reset test database: %w", err)
	}
	return nil
}

// Terminate closes the pool and stops the container if one was started
func (pg *Postgres) Terminate(ctx context.Context) {
	if pg.DB != nil {
		_ = pg.DB.Close(ctx)
	}
	if pg.container != nil {
		if err := pg.container.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
