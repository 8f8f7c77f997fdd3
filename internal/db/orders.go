package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xtrntr/twallet/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = "id, side, username, quantity, price_per_token::text, total_amount::text, status, created_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o            models.Order
		side         string
		price, total string
	)
	if err := row.Scan(&o.ID, &side, &o.Username, &o.Quantity, &price, &total, &o.Status, &o.CreatedAt, &o.CompletedAt); err != nil {
		return models.Order{}, err
	}
	o.Side = models.Side(side)

	var err error
	if o.PricePerToken, err = decimal.NewFromString(price); err != nil {
		return models.Order{}, fmt.Errorf("parse price_per_token: %w", err)
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return models.Order{}, fmt.Errorf("parse total_amount: %w", err)
	}
	return o, nil
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// InsertOrder creates a pending order. TotalAmount must already be set.
func (t *Tx) InsertOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if !order.Side.Valid() {
		return models.Order{}, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if order.Quantity <= 0 {
		return models.Order{}, fmt.Errorf("quantity must be positive")
	}

	created, err := scanOrder(t.tx.QueryRow(ctx,
		"INSERT INTO orders (side, username, quantity, price_per_token, total_amount, status) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+orderColumns,
		string(order.Side), order.Username, order.Quantity, order.PricePerToken.String(), order.TotalAmount.String(), models.StatusPending))
	if err != nil {
		return models.Order{}, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// PendingOrders returns up to limit pending orders of one side, oldest first,
// locked for update. When after is non-nil only orders queued behind it are
// returned.
func (t *Tx) PendingOrders(ctx context.Context, side models.Side, after *models.Order, limit int) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE side = $1 AND status = 'pending'"
	args := []any{string(side)}
	if after != nil {
		query += " AND (created_at, id) > ($2, $3)"
		args = append(args, after.CreatedAt, after.ID)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += " FOR UPDATE"

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}
	return collectOrders(rows)
}

// GetOrderForUpdate locks and returns one order
func (t *Tx) GetOrderForUpdate(ctx context.Context, id int) (models.Order, error) {
	order, err := scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Order{}, fmt.Errorf("order %d: %w", id, ErrNotFound)
		}
		return models.Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// UpdateOrder persists an order's remaining quantity, status and completion
// time. Orders that already left pending are not touched.
func (t *Tx) UpdateOrder(ctx context.Context, order models.Order) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE orders SET quantity = $1, status = $2, completed_at = $3 WHERE id = $4 AND status = 'pending'",
		order.Quantity, order.Status, order.CompletedAt, order.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %d is not pending: %w", order.ID, ErrConflict)
	}
	return nil
}

// ListPendingOrders returns the pending orders of one side in queue order
func (db *DB) ListPendingOrders(ctx context.Context, side models.Side) ([]models.Order, error) {
	return listPendingOrders(ctx, db.Pool, side)
}

// OrderBook reads both sides of the book and the supply from one snapshot
func (db *DB) OrderBook(ctx context.Context) (buys, sells []models.Order, supply models.TokenSupply, err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, models.TokenSupply{}, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	if buys, err = listPendingOrders(ctx, tx, models.SideBuy); err != nil {
		return nil, nil, models.TokenSupply{}, err
	}
	if sells, err = listPendingOrders(ctx, tx, models.SideSell); err != nil {
		return nil, nil, models.TokenSupply{}, err
	}
	if supply, err = getTokenSupply(ctx, tx); err != nil {
		return nil, nil, models.TokenSupply{}, err
	}
	return buys, sells, supply, nil
}

func listPendingOrders(ctx context.Context, q querier, side models.Side) ([]models.Order, error) {
	rows, err := q.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE side = $1 AND status = 'pending' ORDER BY created_at ASC, id ASC",
		string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to get pending orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOrders returns orders matching filter, newest first
func (db *DB) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Side != "" {
		args = append(args, string(filter.Side))
		conds = append(conds, fmt.Sprintf("side = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Username != "" {
		args = append(args, filter.Username)
		conds = append(conds, fmt.Sprintf("username = $%d", len(args)))
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return collectOrders(rows)
}

