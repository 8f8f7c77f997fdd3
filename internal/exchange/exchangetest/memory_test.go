package exchangetest

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/models"
)

func TestMemoryStore_InsertOrder_MoneyColumns(t *testing.T) {
	tests := []struct {
		name        string
		price       string
		total       string
		wantPrice   string
		wantTotal   string
		expectError bool
	}{
		{name: "RoundsHalfAwayFromZero", price: "1.005", total: "3.015", wantPrice: "1.01", wantTotal: "3.02"},
		{name: "KeepsTwoPlaces", price: "12.50", total: "25.00", wantPrice: "12.5", wantTotal: "25"},
		{name: "PriceOverflow", price: "123456789012", total: "370370367036", expectError: true},
		{name: "TotalOverflow", price: "99999999.99", total: "19999999998000000", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			var inserted models.Order
			err := store.InTx(context.Background(), func(ctx context.Context, tx exchange.Tx) error {
				var err error
				inserted, err = tx.InsertOrder(ctx, models.Order{
					Side:          models.SideBuy,
					Username:      "alice",
					Quantity:      3,
					PricePerToken: decimal.RequireFromString(tt.price),
					TotalAmount:   decimal.RequireFromString(tt.total),
					Status:        models.StatusPending,
				})
				return err
			})

			if tt.expectError {
				assert.Error(t, err)
				_, ok := store.GetOrder(1)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			stored, ok := store.GetOrder(inserted.ID)
			require.True(t, ok)
			assert.True(t, decimal.RequireFromString(tt.wantPrice).Equal(stored.PricePerToken), "price %s", stored.PricePerToken)
			assert.True(t, decimal.RequireFromString(tt.wantTotal).Equal(stored.TotalAmount), "total %s", stored.TotalAmount)
		})
	}
}

func TestMemoryStore_AppendTransaction_MoneyColumns(t *testing.T) {
	store := NewMemoryStore()
	err := store.InTx(context.Background(), func(ctx context.Context, tx exchange.Tx) error {
		_, err := tx.AppendTransaction(ctx, models.Transaction{
			BuyerUsername:   "alice",
			SellerUsername:  "bob",
			TransactionType: models.SideBuy,
			Quantity:        1,
			PricePerToken:   decimal.RequireFromString("100000000"),
			TotalAmount:     decimal.RequireFromString("100000000"),
		})
		return err
	})
	assert.Error(t, err)

	trades, err := store.ListTransactions(context.Background(), models.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestMemoryStore_OrderBook(t *testing.T) {
	store := NewMemoryStore()
	err := store.InTx(context.Background(), func(ctx context.Context, tx exchange.Tx) error {
		if _, err := tx.AddSupply(ctx, 7); err != nil {
			return err
		}
		for _, side := range []models.Side{models.SideSell, models.SideBuy, models.SideSell} {
			if _, err := tx.InsertOrder(ctx, models.Order{
				Side: side, Username: "alice", Quantity: 1,
				PricePerToken: decimal.NewFromInt(1), TotalAmount: decimal.NewFromInt(1),
				Status: models.StatusPending,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	buys, sells, supply, err := store.OrderBook(context.Background())
	require.NoError(t, err)
	require.Len(t, buys, 1)
	require.Len(t, sells, 2)
	assert.Equal(t, 2, buys[0].ID)
	assert.Equal(t, 1, sells[0].ID)
	assert.Equal(t, 3, sells[1].ID)
	assert.Equal(t, int64(7), supply.TotalTokens)
}
