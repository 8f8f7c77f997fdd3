package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/models"
)

// Tx is one atomic unit of work over balances, the order book and the ledger.
// Balance methods returning ok=false leave the balance unchanged.
type Tx interface {
	LockMarket(ctx context.Context) error
	UserExists(ctx context.Context, username string) (bool, error)

	GetOrCreateBalance(ctx context.Context, username string) (models.UserBalance, error)
	AddTokens(ctx context.Context, username string, amount int64) (models.UserBalance, error)
	RemoveTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error)
	ReserveTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error)
	ReleaseTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error)
	SettleReserved(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error)

	AddSupply(ctx context.Context, amount int64) (models.TokenSupply, error)
	RemoveSupply(ctx context.Context, amount int64) (models.TokenSupply, bool, error)

	InsertOrder(ctx context.Context, order models.Order) (models.Order, error)
	PendingOrders(ctx context.Context, side models.Side, after *models.Order, limit int) ([]models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int) (models.Order, error)
	UpdateOrder(ctx context.Context, order models.Order) error

	AppendTransaction(ctx context.Context, trade models.Transaction) (models.Transaction, error)
}

// Store is the durable state behind the exchange. InTx must commit every
// mutation made through tx when fn returns nil and none of them otherwise.
// Lock timeouts surface as errors wrapping ErrConcurrencyConflict.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOrCreateBalance(ctx context.Context, username string) (models.UserBalance, bool, error)
	GetTokenSupply(ctx context.Context) (models.TokenSupply, error)
	// OrderBook returns the pending orders of both sides in queue order and
	// the supply, all as of one point in time
	OrderBook(ctx context.Context) (buys, sells []models.Order, supply models.TokenSupply, err error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
	ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error)
}

// PostgresStore adapts *db.DB to Store
type PostgresStore struct {
	*db.DB
}

// NewPostgresStore wraps a database handle
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{DB: database}
}

// InTx implements Store
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.DB.InTx(ctx, func(tx *db.Tx) error {
		return fn(ctx, tx)
	})
	if errors.Is(err, db.ErrConflict) && !errors.Is(err, ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
	}
	return err
}

// isNotFound reports a missing row from Tx.GetOrderForUpdate
func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
