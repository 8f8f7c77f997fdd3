package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/twallet/internal/models"

	"github.com/jackc/pgx/v5"
)

const balanceColumns = "username, tokens, reserved_tokens, created_at, updated_at"

func scanBalance(row pgx.Row) (models.UserBalance, error) {
	var b models.UserBalance
	err := row.Scan(&b.Username, &b.Tokens, &b.ReservedTokens, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

// GetOrCreateBalance returns the user's balance, creating a zero balance on
// first reference. created reports whether this call inserted the row.
func (db *DB) GetOrCreateBalance(ctx context.Context, username string) (balance models.UserBalance, created bool, err error) {
	return getOrCreateBalance(ctx, db.Pool, username, false)
}

// GetOrCreateBalance is the locking variant used inside a unit of work; the
// row stays locked until the transaction ends.
func (t *Tx) GetOrCreateBalance(ctx context.Context, username string) (models.UserBalance, error) {
	b, _, err := getOrCreateBalance(ctx, t.tx, username, true)
	return b, err
}

func getOrCreateBalance(ctx context.Context, q querier, username string, lock bool) (models.UserBalance, bool, error) {
	b, err := scanBalance(q.QueryRow(ctx,
		"INSERT INTO user_balances (username) VALUES ($1) ON CONFLICT (username) DO NOTHING RETURNING "+balanceColumns,
		username))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.UserBalance{}, false, fmt.Errorf("failed to create balance: %w", err)
	}

	query := "SELECT " + balanceColumns + " FROM user_balances WHERE username = $1"
	if lock {
		query += " FOR UPDATE"
	}
	b, err = scanBalance(q.QueryRow(ctx, query, username))
	if err != nil {
		return models.UserBalance{}, false, fmt.Errorf("failed to get balance: %w", err)
	}
	return b, false, nil
}

// AddTokens credits amount to the user's balance
func (t *Tx) AddTokens(ctx context.Context, username string, amount int64) (models.UserBalance, error) {
	if amount <= 0 {
		return models.UserBalance{}, fmt.Errorf("amount must be positive")
	}
	b, err := scanBalance(t.tx.QueryRow(ctx, `
		INSERT INTO user_balances (username, tokens) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE
		SET tokens = user_balances.tokens + EXCLUDED.tokens, updated_at = NOW()
		RETURNING `+balanceColumns, username, amount))
	if err != nil {
		return models.UserBalance{}, fmt.Errorf("failed to add tokens: %w", err)
	}
	return b, nil
}

// RemoveTokens debits amount if the unreserved balance covers it. ok is false
// and the balance is left unchanged otherwise.
func (t *Tx) RemoveTokens(ctx context.Context, username string, amount int64) (balance models.UserBalance, ok bool, err error) {
	return t.guardedBalanceUpdate(ctx, username, amount,
		"tokens = tokens - $2",
		"tokens - reserved_tokens >= $2")
}

// ReserveTokens commits amount of the unreserved balance to a sell order
func (t *Tx) ReserveTokens(ctx context.Context, username string, amount int64) (balance models.UserBalance, ok bool, err error) {
	return t.guardedBalanceUpdate(ctx, username, amount,
		"reserved_tokens = reserved_tokens + $2",
		"tokens - reserved_tokens >= $2")
}

// ReleaseTokens returns reserved tokens to the unreserved balance
func (t *Tx) ReleaseTokens(ctx context.Context, username string, amount int64) (balance models.UserBalance, ok bool, err error) {
	return t.guardedBalanceUpdate(ctx, username, amount,
		"reserved_tokens = reserved_tokens - $2",
		"reserved_tokens >= $2")
}

// SettleReserved debits amount from both the balance and its reservation,
// used when a sell order is filled.
func (t *Tx) SettleReserved(ctx context.Context, username string, amount int64) (balance models.UserBalance, ok bool, err error) {
	return t.guardedBalanceUpdate(ctx, username, amount,
		"tokens = tokens - $2, reserved_tokens = reserved_tokens - $2",
		"reserved_tokens >= $2")
}

func (t *Tx) guardedBalanceUpdate(ctx context.Context, username string, amount int64, set, guard string) (models.UserBalance, bool, error) {
	if amount <= 0 {
		return models.UserBalance{}, false, fmt.Errorf("amount must be positive")
	}
	b, err := scanBalance(t.tx.QueryRow(ctx,
		"UPDATE user_balances SET "+set+", updated_at = NOW() WHERE username = $1 AND "+guard+" RETURNING "+balanceColumns,
		username, amount))
	if err == nil {
		return b, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.UserBalance{}, false, fmt.Errorf("failed to update balance: %w", err)
	}

	b, _, err = getOrCreateBalance(ctx, t.tx, username, true)
	if err != nil {
		return models.UserBalance{}, false, err
	}
	return b, false, nil
}

// SumBalances returns the total of all user balances
func (db *DB) SumBalances(ctx context.Context) (int64, error) {
	var total int64
	if err := db.Pool.QueryRow(ctx, "SELECT COALESCE(SUM(tokens), 0) FROM user_balances").Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum balances: %w", err)
	}
	return total, nil
}
