package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtrntr/twallet/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const transactionColumns = "id, buyer_username, seller_username, transaction_type, quantity, price_per_token::text, total_amount::text, buyer_balance_after, seller_balance_after, created_at"

func scanTransaction(row rowScanner) (models.Transaction, error) {
	var (
		t            models.Transaction
		txType       string
		price, total string
	)
	if err := row.Scan(&t.ID, &t.BuyerUsername, &t.SellerUsername, &txType, &t.Quantity, &price, &total,
		&t.BuyerBalanceAfter, &t.SellerBalanceAfter, &t.CreatedAt); err != nil {
		return models.Transaction{}, err
	}
	t.TransactionType = models.Side(txType)

	var err error
	if t.PricePerToken, err = decimal.NewFromString(price); err != nil {
		return models.Transaction{}, fmt.Errorf("parse price_per_token: %w", err)
	}
	if t.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return models.Transaction{}, fmt.Errorf("parse total_amount: %w", err)
	}
	return t, nil
}

// AppendTransaction writes a ledger entry. Ledger rows are never updated or
// deleted.
func (t *Tx) AppendTransaction(ctx context.Context, trade models.Transaction) (models.Transaction, error) {
	created, err := scanTransaction(t.tx.QueryRow(ctx, `
		INSERT INTO transactions (buyer_username, seller_username, transaction_type, quantity, price_per_token, total_amount, buyer_balance_after, seller_balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+transactionColumns,
		trade.BuyerUsername, trade.SellerUsername, string(trade.TransactionType), trade.Quantity,
		trade.PricePerToken.String(), trade.TotalAmount.String(), trade.BuyerBalanceAfter, trade.SellerBalanceAfter))
	if err != nil {
		return models.Transaction{}, fmt.Errorf("failed to create transaction: %w", err)
	}
	return created, nil
}

// ListTransactions returns ledger entries matching filter, newest first
func (db *DB) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Username != "" {
		args = append(args, filter.Username)
		conds = append(conds, fmt.Sprintf("(buyer_username = $%d OR seller_username = $%d)", len(args), len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("transaction_type = $%d", len(args)))
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()

	trades := []models.Transaction{}
	for rows.Next() {
		trade, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return trades, nil
}
