package exchange

import (
	"context"

	"github.com/xtrntr/twallet/internal/models"
)

// OrderBook is a snapshot of every pending order plus the issued supply
type OrderBook struct {
	BuyOrders   []models.Order     `json:"buy_orders"`
	SellOrders  []models.Order     `json:"sell_orders"`
	TokenSupply models.TokenSupply `json:"current_balance"`
}

// GetOrderBook returns the pending orders of both sides in matching order
func (e *Exchange) GetOrderBook(ctx context.Context) (*OrderBook, error) {
	buys, sells, supply, err := e.store.OrderBook(ctx)
	if err != nil {
		return nil, err
	}
	return &OrderBook{BuyOrders: buys, SellOrders: sells, TokenSupply: supply}, nil
}

// ListOrders returns orders of any status, newest first
func (e *Exchange) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	if filter.Side != "" && !filter.Side.Valid() {
		return nil, validationError("side must be 'buy' or 'sell'")
	}
	switch filter.Status {
	case "", models.StatusPending, models.StatusCompleted, models.StatusCancelled:
	default:
		return nil, validationError("unknown status %q", filter.Status)
	}
	if filter.Limit < 0 {
		return nil, validationError("limit must not be negative")
	}
	return e.store.ListOrders(ctx, filter)
}

// ListTransactions returns ledger entries, newest first
func (e *Exchange) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, validationError("transaction type must be 'buy' or 'sell'")
	}
	if filter.Limit < 0 {
		return nil, validationError("limit must not be negative")
	}
	return e.store.ListTransactions(ctx, filter)
}
