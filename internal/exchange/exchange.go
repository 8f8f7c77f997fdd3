package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config tunes the matching engine
type Config struct {
	// DefaultPrice is the price tier orders are created at when the request
	// does not name one
	DefaultPrice decimal.Decimal
	// MatchBatchSize is how many resting orders are locked per page while
	// walking the book
	MatchBatchSize int
	// MaxRetries bounds how often a unit of work is retried after a
	// concurrency conflict
	MaxRetries uint64
	// RetryInterval is the initial backoff between retries
	RetryInterval time.Duration
	// ListenerTimeout bounds the listener calls made after one commit
	ListenerTimeout time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		DefaultPrice:    models.DefaultPricePerToken,
		MatchBatchSize:  100,
		MaxRetries:      3,
		RetryInterval:   50 * time.Millisecond,
		ListenerTimeout: 5 * time.Second,
	}
}

// Listener is notified after a unit of work that changed the market commits.
// The context outlives the request that caused the change and carries a
// deadline of Config.ListenerTimeout.
type Listener interface {
	MarketChanged(ctx context.Context, trades []models.Transaction)
}

// Exchange owns the order book and matching engine
type Exchange struct {
	store     Store
	cfg       Config
	listeners []Listener
	now       func() time.Time
}

// NewExchange creates a new exchange
func NewExchange(store Store, cfg Config) *Exchange {
	def := DefaultConfig()
	if cfg.DefaultPrice.LessThanOrEqual(decimal.Zero) {
		cfg.DefaultPrice = def.DefaultPrice
	}
	if cfg.MatchBatchSize <= 0 {
		cfg.MatchBatchSize = def.MatchBatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.ListenerTimeout <= 0 {
		cfg.ListenerTimeout = def.ListenerTimeout
	}
	return &Exchange{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a listener for committed market changes
func (e *Exchange) Subscribe(l Listener) {
	e.listeners = append(e.listeners, l)
}

// OrderRequest is an incoming buy or sell. A zero Price uses the default tier.
type OrderRequest struct {
	Username string
	Quantity int64
	Price    decimal.Decimal
}

// PlaceOrderResult is the outcome of matching one incoming order
type PlaceOrderResult struct {
	Order             models.Order
	RequestedQuantity int64
	MatchedOrderIDs   []int
	RemainingQuantity int64
	Transactions      []models.Transaction
}

// PlaceBuyOrder submits a buy order and matches it against resting sells
func (e *Exchange) PlaceBuyOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResult, error) {
	return e.placeOrder(ctx, models.SideBuy, req)
}

// PlaceSellOrder submits a sell order and matches it against resting buys.
// The seller's available balance must cover the quantity; the quantity stays
// reserved until the order is filled or cancelled.
func (e *Exchange) PlaceSellOrder(ctx context.Context, req OrderRequest) (*PlaceOrderResult, error) {
	return e.placeOrder(ctx, models.SideSell, req)
}

func (e *Exchange) placeOrder(ctx context.Context, side models.Side, req OrderRequest) (*PlaceOrderResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return nil, validationError("username is required")
	}
	if req.Quantity <= 0 {
		return nil, validationError("quantity must be a positive integer")
	}
	if req.Price.IsZero() {
		req.Price = e.cfg.DefaultPrice
	}
	if req.Price.IsNegative() {
		return nil, validationError("price must be positive")
	}
	if !req.Price.Equal(req.Price.Round(models.MoneyScale)) {
		return nil, validationError("price must have at most %d decimal places", models.MoneyScale)
	}
	if req.Price.GreaterThan(models.MaxPricePerToken) {
		return nil, validationError("price must not exceed %s", models.MaxPricePerToken)
	}
	if req.Price.Mul(decimal.NewFromInt(req.Quantity)).GreaterThan(models.MaxTotalAmount) {
		return nil, validationError("order total must not exceed %s", models.MaxTotalAmount)
	}

	var result *PlaceOrderResult
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		r, err := e.match(ctx, tx, side, req)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "order placed",
		zap.Int("order_id", result.Order.ID),
		zap.String("side", string(side)),
		zap.String("username", req.Username),
		zap.Int64("quantity", req.Quantity),
		zap.String("status", result.Order.Status),
		zap.Int("matched", len(result.MatchedOrderIDs)),
		zap.Int64("remaining", result.RemainingQuantity))

	e.notify(ctx, result.Transactions)
	return result, nil
}

// match runs the FIFO matching algorithm for one taker inside tx
func (e *Exchange) match(ctx context.Context, tx Tx, side models.Side, req OrderRequest) (*PlaceOrderResult, error) {
	exists, err := tx.UserExists(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, req.Username)
	}

	if err := tx.LockMarket(ctx); err != nil {
		return nil, err
	}

	if side == models.SideSell {
		balance, ok, err := tx.ReserveTokens(ctx, req.Username, req.Quantity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &InsufficientBalanceError{
				Username:          req.Username,
				CurrentBalance:    balance.Available(),
				RequestedQuantity: req.Quantity,
			}
		}
	}

	taker, err := tx.InsertOrder(ctx, models.Order{
		Side:          side,
		Username:      req.Username,
		Quantity:      req.Quantity,
		PricePerToken: req.Price,
		TotalAmount:   req.Price.Mul(decimal.NewFromInt(req.Quantity)),
		Status:        models.StatusPending,
	})
	if err != nil {
		return nil, err
	}

	result := &PlaceOrderResult{
		RequestedQuantity: req.Quantity,
		MatchedOrderIDs:   []int{},
		Transactions:      []models.Transaction{},
	}
	remaining := req.Quantity

	var cursor *models.Order
	for remaining > 0 {
		resting, err := tx.PendingOrders(ctx, side.Opposite(), cursor, e.cfg.MatchBatchSize)
		if err != nil {
			return nil, err
		}
		if len(resting) == 0 {
			break
		}

		for i := range resting {
			if remaining == 0 {
				break
			}
			maker := resting[i]
			tradeQty := min(remaining, maker.Quantity)

			trade, err := e.settle(ctx, tx, taker, maker, tradeQty)
			if err != nil {
				return nil, err
			}
			result.Transactions = append(result.Transactions, trade)

			if tradeQty == maker.Quantity {
				maker.Status = models.StatusCompleted
				maker.CompletedAt = e.stamp()
			} else {
				maker.Quantity -= tradeQty
			}
			if err := tx.UpdateOrder(ctx, maker); err != nil {
				return nil, err
			}

			remaining -= tradeQty
			result.MatchedOrderIDs = append(result.MatchedOrderIDs, maker.ID)
		}
		cursor = &resting[len(resting)-1]
	}

	if remaining == 0 {
		taker.Status = models.StatusCompleted
		taker.CompletedAt = e.stamp()
	} else {
		taker.Quantity = remaining
	}
	if len(result.MatchedOrderIDs) > 0 {
		if err := tx.UpdateOrder(ctx, taker); err != nil {
			return nil, err
		}
	}

	result.Order = taker
	result.RemainingQuantity = remaining
	return result, nil
}

// settle moves qty tokens from the seller to the buyer and records the trade
// at the taker's price
func (e *Exchange) settle(ctx context.Context, tx Tx, taker, maker models.Order, qty int64) (models.Transaction, error) {
	buyer, seller := taker.Username, maker.Username
	if taker.Side == models.SideSell {
		buyer, seller = maker.Username, taker.Username
	}

	sellerBalance, ok, err := tx.SettleReserved(ctx, seller, qty)
	if err != nil {
		return models.Transaction{}, err
	}
	if !ok {
		return models.Transaction{}, fmt.Errorf("%w: %s has %d reserved, trade needs %d",
			ErrReservationMismatch, seller, sellerBalance.ReservedTokens, qty)
	}
	buyerBalance, err := tx.AddTokens(ctx, buyer, qty)
	if err != nil {
		return models.Transaction{}, err
	}
	if buyer == seller {
		sellerBalance = buyerBalance
	}

	return tx.AppendTransaction(ctx, models.Transaction{
		BuyerUsername:      buyer,
		SellerUsername:     seller,
		TransactionType:    taker.Side,
		Quantity:           qty,
		PricePerToken:      taker.PricePerToken,
		TotalAmount:        taker.PricePerToken.Mul(decimal.NewFromInt(qty)),
		BuyerBalanceAfter:  buyerBalance.Tokens,
		SellerBalanceAfter: sellerBalance.Tokens,
	})
}

// CancelOrder moves a pending order owned by username to cancelled and
// releases the tokens a sell order still has reserved
func (e *Exchange) CancelOrder(ctx context.Context, side models.Side, orderID int, username string) (*models.Order, error) {
	if !side.Valid() {
		return nil, validationError("side must be 'buy' or 'sell'")
	}
	if orderID <= 0 {
		return nil, validationError("invalid order id")
	}

	var cancelled models.Order
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockMarket(ctx); err != nil {
			return err
		}
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
			}
			return err
		}
		if order.Side != side || order.Username != username {
			return fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		if order.Status != models.StatusPending {
			return fmt.Errorf("%w: order %d is %s", ErrOrderNotPending, orderID, order.Status)
		}

		if order.Side == models.SideSell {
			balance, ok, err := tx.ReleaseTokens(ctx, order.Username, order.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s has %d reserved, order holds %d",
					ErrReservationMismatch, order.Username, balance.ReservedTokens, order.Quantity)
			}
		}

		order.Status = models.StatusCancelled
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.InfoCtx(ctx, "order cancelled",
		zap.Int("order_id", orderID),
		zap.String("side", string(side)),
		zap.String("username", username))
	e.notify(ctx, nil)
	return &cancelled, nil
}

// atomically runs fn in one unit of work, retrying with exponential backoff
// while it fails with ErrConcurrencyConflict
func (e *Exchange) atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval

	attempt := 0
	operation := func() error {
		attempt++
		err := e.store.InTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			logger.WarnCtx(ctx, "unit of work conflicted", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, e.cfg.MaxRetries), ctx))
}

// notify runs after commit, so a caller that went away must not cut
// listeners short
func (e *Exchange) notify(ctx context.Context, trades []models.Transaction) {
	if len(e.listeners) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ListenerTimeout)
	defer cancel()
	for _, l := range e.listeners {
		l.MarketChanged(ctx, trades)
	}
}

func (e *Exchange) stamp() *time.Time {
	t := e.now()
	return &t
}
