package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/twallet/internal/models"

	"github.com/jackc/pgx/v5"
)

const supplyColumns = "total_tokens, created_at, updated_at"

func scanSupply(row pgx.Row) (models.TokenSupply, error) {
	var s models.TokenSupply
	err := row.Scan(&s.TotalTokens, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// InitTokenSupply creates the supply counter row if it does not exist yet.
// It is called once at startup; nothing else creates the row.
func (db *DB) InitTokenSupply(ctx context.Context) (models.TokenSupply, error) {
	if _, err := db.Pool.Exec(ctx, "INSERT INTO token_supply (id) VALUES (1) ON CONFLICT (id) DO NOTHING"); err != nil {
		return models.TokenSupply{}, fmt.Errorf("failed to init token supply: %w", err)
	}
	return db.GetTokenSupply(ctx)
}

// GetTokenSupply returns the global supply counter
func (db *DB) GetTokenSupply(ctx context.Context) (models.TokenSupply, error) {
	return getTokenSupply(ctx, db.Pool)
}

func getTokenSupply(ctx context.Context, q querier) (models.TokenSupply, error) {
	s, err := scanSupply(q.QueryRow(ctx, "SELECT "+supplyColumns+" FROM token_supply WHERE id = 1"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TokenSupply{}, fmt.Errorf("token supply not initialized: %w", ErrNotFound)
		}
		return models.TokenSupply{}, fmt.Errorf("failed to get token supply: %w", err)
	}
	return s, nil
}

// AddSupply increments the issued supply
func (t *Tx) AddSupply(ctx context.Context, amount int64) (models.TokenSupply, error) {
	if amount <= 0 {
		return models.TokenSupply{}, fmt.Errorf("amount must be positive")
	}
	s, err := scanSupply(t.tx.QueryRow(ctx,
		"UPDATE token_supply SET total_tokens = total_tokens + $1, updated_at = NOW() WHERE id = 1 RETURNING "+supplyColumns,
		amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TokenSupply{}, fmt.Errorf("token supply not initialized: %w", ErrNotFound)
		}
		return models.TokenSupply{}, fmt.Errorf("failed to add supply: %w", err)
	}
	return s, nil
}

// RemoveSupply decrements the issued supply if it covers amount
func (t *Tx) RemoveSupply(ctx context.Context, amount int64) (supply models.TokenSupply, ok bool, err error) {
	if amount <= 0 {
		return models.TokenSupply{}, false, fmt.Errorf("amount must be positive")
	}
	s, err := scanSupply(t.tx.QueryRow(ctx,
		"UPDATE token_supply SET total_tokens = total_tokens - $1, updated_at = NOW() WHERE id = 1 AND total_tokens >= $1 RETURNING "+supplyColumns,
		amount))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.TokenSupply{}, false, fmt.Errorf("failed to remove supply: %w", err)
	}

	s, err = scanSupply(t.tx.QueryRow(ctx, "SELECT "+supplyColumns+" FROM token_supply WHERE id = 1"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TokenSupply{}, false, fmt.Errorf("token supply not initialized: %w", ErrNotFound)
		}
		return models.TokenSupply{}, false, fmt.Errorf("failed to get token supply: %w", err)
	}
	return s, false, nil
}
