package exchange_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/models"
	"github.com/xtrntr/twallet/internal/testutil"
)

var (
	pgOnce  sync.Once
	pg      *testutil.Postgres
	pgError error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pg != nil {
		pg.Terminate(context.Background())
	}
	os.Exit(code)
}

func newPostgresExchange(t *testing.T, users ...string) *exchange.Exchange {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres test in short mode")
	}
	pgOnce.Do(func() {
		pg, pgError = testutil.StartPostgres(context.Background())
	})
	if pgError != nil {
		t.Skipf("Postgres unavailable: %v", pgError)
	}
	ctx := context.Background()
	require.NoError(t, pg.Reset(ctx))
	for _, u := range users {
		_, err := pg.DB.CreateUser(ctx, u, "hash")
		require.NoError(t, err)
	}
	cfg := exchange.DefaultConfig()
	cfg.MatchBatchSize = 2
	cfg.MaxRetries = 10
	return exchange.NewExchange(exchange.NewPostgresStore(pg.DB), cfg)
}

func TestPostgresExchange_FIFO(t *testing.T) {
	ex := newPostgresExchange(t, "seller_a", "seller_b", "buyer")
	ctx := context.Background()
	grant(t, ex, "seller_a", 5)
	grant(t, ex, "seller_b", 5)

	a, err := ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller_a", Quantity: 5})
	require.NoError(t, err)
	b, err := ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller_b", Quantity: 5})
	require.NoError(t, err)

	res, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "buyer", Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, []int{a.Order.ID, b.Order.ID}, res.MatchedOrderIDs)
	assert.Equal(t, models.StatusCompleted, res.Order.Status)

	book, err := ex.GetOrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book.SellOrders, 1)
	assert.Equal(t, b.Order.ID, book.SellOrders[0].ID)
	assert.Equal(t, int64(3), book.SellOrders[0].Quantity)
	assert.Equal(t, int64(10), book.TokenSupply.TotalTokens)

	trades, err := ex.ListTransactions(ctx, models.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(2), trades[0].Quantity)
	assert.Equal(t, int64(7), trades[0].BuyerBalanceAfter)
	assert.Equal(t, int64(5), trades[1].Quantity)

	assert.Equal(t, int64(7), balanceOf(t, ex, "buyer").Tokens)
}

func TestPostgresExchange_InsufficientBalance(t *testing.T) {
	ex := newPostgresExchange(t, "seller")
	ctx := context.Background()
	grant(t, ex, "seller", 3)

	_, err := ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller", Quantity: 5})
	var insufficient *exchange.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.CurrentBalance)

	orders, err := ex.ListOrders(ctx, models.OrderFilter{Side: models.SideSell})
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Equal(t, int64(3), balanceOf(t, ex, "seller").Tokens)
}

func TestPostgresExchange_PriceLimits(t *testing.T) {
	ex := newPostgresExchange(t, "seller", "buyer")
	ctx := context.Background()

	for _, price := range []string{"1.005", "123456789012"} {
		_, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "buyer", Quantity: 3, Price: decimal.RequireFromString(price)})
		assert.ErrorIs(t, err, exchange.ErrValidation, price)
	}
	_, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "buyer", Quantity: 200_000_000, Price: models.MaxPricePerToken})
	assert.ErrorIs(t, err, exchange.ErrValidation)

	grant(t, ex, "seller", 3)
	_, err = ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "seller", Quantity: 3})
	require.NoError(t, err)
	res, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "buyer", Quantity: 3, Price: decimal.RequireFromString("1.01")})
	require.NoError(t, err)

	orders, err := ex.ListOrders(ctx, models.OrderFilter{Side: models.SideBuy})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, decimal.RequireFromString("1.01").Equal(orders[0].PricePerToken))
	assert.True(t, decimal.RequireFromString("3.03").Equal(orders[0].TotalAmount))

	trades, err := ex.ListTransactions(ctx, models.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, res.Transactions[0].ID, trades[0].ID)
	assert.True(t, decimal.RequireFromString("3.03").Equal(trades[0].TotalAmount))
}

func TestPostgresExchange_GetOrderBook(t *testing.T) {
	ex := newPostgresExchange(t, "alice", "bob")
	ctx := context.Background()
	grant(t, ex, "alice", 5)

	sell, err := ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "alice", Quantity: 2})
	require.NoError(t, err)
	buy, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: "bob", Quantity: 1, Price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	book, err := ex.GetOrderBook(ctx)
	require.NoError(t, err)
	require.Len(t, book.SellOrders, 1)
	assert.Equal(t, sell.Order.ID, book.SellOrders[0].ID)
	assert.Equal(t, int64(1), book.SellOrders[0].Quantity)
	assert.Equal(t, models.StatusCompleted, buy.Order.Status)
	assert.Empty(t, book.BuyOrders)
	assert.Equal(t, int64(5), book.TokenSupply.TotalTokens)
}

func TestPostgresExchange_ConcurrentTakers(t *testing.T) {
	users := []string{"s1", "s2", "b1", "b2", "b3", "b4"}
	ex := newPostgresExchange(t, users...)
	ctx := context.Background()
	grant(t, ex, "s1", 10)
	grant(t, ex, "s2", 10)

	_, err := ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "s1", Quantity: 10})
	require.NoError(t, err)
	_, err = ex.PlaceSellOrder(ctx, exchange.OrderRequest{Username: "s2", Quantity: 10})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, buyer := range users[2:] {
		wg.Add(1)
		go func(buyer string) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				_, err := ex.PlaceBuyOrder(ctx, exchange.OrderRequest{Username: buyer, Quantity: 2})
				if err != nil && !errors.Is(err, exchange.ErrConcurrencyConflict) {
					t.Errorf("buy for %s: %v", buyer, err)
				}
			}
		}(buyer)
	}
	wg.Wait()

	total, err := pg.DB.SumBalances(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)

	var bought int64
	for _, buyer := range users[2:] {
		bought += balanceOf(t, ex, buyer).Tokens
	}
	trades, err := ex.ListTransactions(ctx, models.TransactionFilter{})
	require.NoError(t, err)
	var traded int64
	for _, trade := range trades {
		traded += trade.Quantity
	}
	assert.Equal(t, traded, bought)
	assert.LessOrEqual(t, traded, int64(20))
}
