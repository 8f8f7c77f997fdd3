// Package cache keeps the order book snapshot in Redis between mutations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const orderBookKey = "twallet:orderbook"

// kv is the subset of redis commands the cache needs
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// OrderBookCache stores the serialized order book with a TTL. Every committed
// market change deletes it.
type OrderBookCache struct {
	client kv
	ttl    time.Duration
}

// NewOrderBookCache creates a cache on client
func NewOrderBookCache(client redis.Cmdable, ttl time.Duration) *OrderBookCache {
	return &OrderBookCache{client: client, ttl: ttl}
}

// Get returns the cached book; ok is false on a miss
func (c *OrderBookCache) Get(ctx context.Context) (book *exchange.OrderBook, ok bool, err error) {
	raw, err := c.client.Get(ctx, orderBookKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read order book cache: %w", err)
	}
	book = &exchange.OrderBook{}
	if err := json.Unmarshal(raw, book); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached order book: %w", err)
	}
	return book, true, nil
}

// Set stores book
func (c *OrderBookCache) Set(ctx context.Context, book *exchange.OrderBook) error {
	raw, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("failed to encode order book: %w", err)
	}
	if err := c.client.Set(ctx, orderBookKey, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write order book cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached book
func (c *OrderBookCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, orderBookKey).Err(); err != nil {
		return fmt.Errorf("failed to invalidate order book cache: %w", err)
	}
	return nil
}

// Load returns the cached book, falling back to load and caching its result.
// Cache errors are logged and never fail the read.
func (c *OrderBookCache) Load(ctx context.Context, load func(ctx context.Context) (*exchange.OrderBook, error)) (*exchange.OrderBook, error) {
	book, ok, err := c.Get(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "order book cache read failed", zap.Error(err))
	}
	if ok {
		return book, nil
	}

	book, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, book); err != nil {
		logger.WarnCtx(ctx, "order book cache write failed", zap.Error(err))
	}
	return book, nil
}

// MarketChanged implements exchange.Listener
func (c *OrderBookCache) MarketChanged(ctx context.Context, _ []models.Transaction) {
	if err := c.Invalidate(ctx); err != nil {
		logger.WarnCtx(ctx, "order book cache invalidation failed", zap.Error(err))
	}
}
