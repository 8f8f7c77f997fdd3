package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/models"
)

type memoryKV struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newMemoryKV() *memoryKV {
	return &memoryKV{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryKV) Get(ctx context.Context, key string) *redis.StringCmd {
	if m.err != nil {
		return redis.NewStringResult("", m.err)
	}
	v, ok := m.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	m.values[key] = string(value.([]byte))
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryKV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func sampleBook() *exchange.OrderBook {
	return &exchange.OrderBook{
		BuyOrders:   []models.Order{{ID: 1, Side: models.SideBuy, Username: "alice", Quantity: 3, Status: models.StatusPending}},
		SellOrders:  []models.Order{},
		TokenSupply: models.TokenSupply{TotalTokens: 42},
	}
}

func TestOrderBookCache_Load(t *testing.T) {
	ctx := context.Background()
	store := newMemoryKV()
	c := &OrderBookCache{client: store, ttl: time.Minute}

	loads := 0
	load := func(ctx context.Context) (*exchange.OrderBook, error) {
		loads++
		return sampleBook(), nil
	}

	book, err := c.Load(ctx, load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads)
	assert.Equal(t, time.Minute, store.ttls[orderBookKey])

	book, err = c.Load(ctx, load)
	require.NoError(t, err)
	assert.Equal(t, 1, loads, "second read should hit the cache")
	require.Len(t, book.BuyOrders, 1)
	assert.Equal(t, "alice", book.BuyOrders[0].Username)
	assert.Equal(t, int64(42), book.TokenSupply.TotalTokens)

	c.MarketChanged(ctx, nil)
	_, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Load(ctx, load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestOrderBookCache_RedisDown(t *testing.T) {
	ctx := context.Background()
	store := newMemoryKV()
	store.err = errors.New("connection refused")
	c := &OrderBookCache{client: store, ttl: time.Minute}

	book, err := c.Load(ctx, func(ctx context.Context) (*exchange.OrderBook, error) {
		return sampleBook(), nil
	})
	require.NoError(t, err)
	assert.Len(t, book.BuyOrders, 1)

	assert.Error(t, c.Invalidate(ctx))
	assert.NotPanics(t, func() { c.MarketChanged(ctx, nil) })
}

func TestOrderBookCache_LoadError(t *testing.T) {
	c := &OrderBookCache{client: newMemoryKV(), ttl: time.Minute}
	_, err := c.Load(context.Background(), func(ctx context.Context) (*exchange.OrderBook, error) {
		return nil, errors.New("db down")
	})
	assert.EqualError(t, err, "db down")
}
