// Package exchangetest provides an in-memory exchange.Store for tests.
package exchangetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/shopspring/decimal"
)

type state struct {
	users        map[string]models.User
	balances     map[string]models.UserBalance
	supply       models.TokenSupply
	orders       []models.Order // arrival order
	transactions []models.Transaction
	nextOrderID  int
	nextTradeID  int
}

func (s *state) clone() *state {
	c := *s
	c.users = make(map[string]models.User, len(s.users))
	for k, v := range s.users {
		c.users[k] = v
	}
	c.balances = make(map[string]models.UserBalance, len(s.balances))
	for k, v := range s.balances {
		c.balances[k] = v
	}
	c.orders = slices.Clone(s.orders)
	c.transactions = slices.Clone(s.transactions)
	return &c
}

// MemoryStore implements exchange.Store and auth.UserStore over maps. Units
// of work run one at a time against a copy of the state that replaces it
// only when the work succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

var _ exchange.Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store with an initialized token supply
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		state: &state{
			users:       map[string]models.User{},
			balances:    map[string]models.UserBalance{},
			supply:      models.TokenSupply{CreatedAt: now, UpdatedAt: now},
			nextOrderID: 1,
			nextTradeID: 1,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// InTx implements exchange.Store
func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx exchange.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(ctx, &memoryTx{s: work, now: m.now}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// AddUser registers username without a password
func (m *MemoryStore) AddUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[username] = models.User{ID: len(m.state.users) + 1, Username: username, CreatedAt: m.now()}
}

// CreateUser implements auth.UserStore
func (m *MemoryStore) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[username]; ok {
		return nil, fmt.Errorf("failed to create user %q: %w", username, db.ErrDuplicate)
	}
	u := models.User{ID: len(m.state.users) + 1, Username: username, PasswordHash: passwordHash, CreatedAt: m.now()}
	m.state.users[username] = u
	return &u, nil
}

// GetUserByUsername implements auth.UserStore
func (m *MemoryStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.state.users[username]
	if !ok {
		return nil, fmt.Errorf("failed to get user %q: %w", username, db.ErrNotFound)
	}
	return &u, nil
}

// GetOrCreateBalance implements exchange.Store
func (m *MemoryStore) GetOrCreateBalance(ctx context.Context, username string) (models.UserBalance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, created := getOrCreate(m.state, username, m.now())
	return b, created, nil
}

// Balances returns the number of balance records
func (m *MemoryStore) Balances() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.balances)
}

// SumBalances returns the total of all user balances
func (m *MemoryStore) SumBalances(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.state.balances {
		total += b.Tokens
	}
	return total, nil
}

// GetTokenSupply implements exchange.Store
func (m *MemoryStore) GetTokenSupply(ctx context.Context) (models.TokenSupply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.supply, nil
}

// GetOrder returns any order by id
func (m *MemoryStore) GetOrder(id int) (models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := findOrder(m.state, id)
	if i < 0 {
		return models.Order{}, false
	}
	return m.state.orders[i], true
}

// OrderBook implements exchange.Store
func (m *MemoryStore) OrderBook(ctx context.Context) (buys, sells []models.Order, supply models.TokenSupply, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return pending(m.state, models.SideBuy, 0, 0), pending(m.state, models.SideSell, 0, 0), m.state.supply, nil
}

// ListOrders implements exchange.Store
func (m *MemoryStore) ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := []models.Order{}
	for i := len(m.state.orders) - 1; i >= 0; i-- {
		o := m.state.orders[i]
		if filter.Side != "" && o.Side != filter.Side {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Username != "" && o.Username != filter.Username {
			continue
		}
		orders = append(orders, o)
		if filter.Limit > 0 && len(orders) == filter.Limit {
			break
		}
	}
	return orders, nil
}

// ListTransactions implements exchange.Store
func (m *MemoryStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trades := []models.Transaction{}
	for i := len(m.state.transactions) - 1; i >= 0; i-- {
		t := m.state.transactions[i]
		if filter.Username != "" && t.BuyerUsername != filter.Username && t.SellerUsername != filter.Username {
			continue
		}
		if filter.Type != "" && t.TransactionType != filter.Type {
			continue
		}
		trades = append(trades, t)
		if filter.Limit > 0 && len(trades) == filter.Limit {
			break
		}
	}
	return trades, nil
}

func getOrCreate(s *state, username string, now time.Time) (models.UserBalance, bool) {
	if b, ok := s.balances[username]; ok {
		return b, false
	}
	b := models.UserBalance{Username: username, CreatedAt: now, UpdatedAt: now}
	s.balances[username] = b
	return b, true
}

func findOrder(s *state, id int) int {
	return slices.IndexFunc(s.orders, func(o models.Order) bool { return o.ID == id })
}

// pending returns pending orders of side with an id above afterID in
// arrival order
func pending(s *state, side models.Side, afterID int, limit int) []models.Order {
	orders := []models.Order{}
	for _, o := range s.orders {
		if o.Side != side || o.Status != models.StatusPending || o.ID <= afterID {
			continue
		}
		orders = append(orders, o)
		if limit > 0 && len(orders) == limit {
			break
		}
	}
	return orders
}

type memoryTx struct {
	s   *state
	now func() time.Time
}

func (t *memoryTx) LockMarket(ctx context.Context) error { return nil }

func (t *memoryTx) UserExists(ctx context.Context, username string) (bool, error) {
	_, ok := t.s.users[username]
	return ok, nil
}

func (t *memoryTx) GetOrCreateBalance(ctx context.Context, username string) (models.UserBalance, error) {
	b, _ := getOrCreate(t.s, username, t.now())
	return b, nil
}

func (t *memoryTx) AddTokens(ctx context.Context, username string, amount int64) (models.UserBalance, error) {
	if amount <= 0 {
		return models.UserBalance{}, fmt.Errorf("amount must be positive")
	}
	b, _ := getOrCreate(t.s, username, t.now())
	b.Tokens += amount
	b.UpdatedAt = t.now()
	t.s.balances[username] = b
	return b, nil
}

func (t *memoryTx) guarded(username string, amount int64, guard func(models.UserBalance) bool, apply func(*models.UserBalance)) (models.UserBalance, bool, error) {
	if amount <= 0 {
		return models.UserBalance{}, false, fmt.Errorf("amount must be positive")
	}
	b, _ := getOrCreate(t.s, username, t.now())
	if !guard(b) {
		return b, false, nil
	}
	apply(&b)
	b.UpdatedAt = t.now()
	t.s.balances[username] = b
	return b, true, nil
}

func (t *memoryTx) RemoveTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error) {
	return t.guarded(username, amount,
		func(b models.UserBalance) bool { return b.Available() >= amount },
		func(b *models.UserBalance) { b.Tokens -= amount })
}

func (t *memoryTx) ReserveTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error) {
	return t.guarded(username, amount,
		func(b models.UserBalance) bool { return b.Available() >= amount },
		func(b *models.UserBalance) { b.ReservedTokens += amount })
}

func (t *memoryTx) ReleaseTokens(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error) {
	return t.guarded(username, amount,
		func(b models.UserBalance) bool { return b.ReservedTokens >= amount },
		func(b *models.UserBalance) { b.ReservedTokens -= amount })
}

func (t *memoryTx) SettleReserved(ctx context.Context, username string, amount int64) (models.UserBalance, bool, error) {
	return t.guarded(username, amount,
		func(b models.UserBalance) bool { return b.ReservedTokens >= amount },
		func(b *models.UserBalance) {
			b.Tokens -= amount
			b.ReservedTokens -= amount
		})
}

func (t *memoryTx) AddSupply(ctx context.Context, amount int64) (models.TokenSupply, error) {
	if amount <= 0 {
		return models.TokenSupply{}, fmt.Errorf("amount must be positive")
	}
	t.s.supply.TotalTokens += amount
	t.s.supply.UpdatedAt = t.now()
	return t.s.supply, nil
}

func (t *memoryTx) RemoveSupply(ctx context.Context, amount int64) (models.TokenSupply, bool, error) {
	if amount <= 0 {
		return models.TokenSupply{}, false, fmt.Errorf("amount must be positive")
	}
	if t.s.supply.TotalTokens < amount {
		return t.s.supply, false, nil
	}
	t.s.supply.TotalTokens -= amount
	t.s.supply.UpdatedAt = t.now()
	return t.s.supply, true, nil
}

func (t *memoryTx) InsertOrder(ctx context.Context, order models.Order) (models.Order, error) {
	var err error
	if order.PricePerToken, err = numeric(order.PricePerToken, models.MaxPricePerToken); err != nil {
		return models.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}
	if order.TotalAmount, err = numeric(order.TotalAmount, models.MaxTotalAmount); err != nil {
		return models.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}
	order.ID = t.s.nextOrderID
	t.s.nextOrderID++
	order.CreatedAt = t.now()
	t.s.orders = append(t.s.orders, order)
	return order, nil
}

func (t *memoryTx) PendingOrders(ctx context.Context, side models.Side, after *models.Order, limit int) ([]models.Order, error) {
	afterID := 0
	if after != nil {
		afterID = after.ID
	}
	return pending(t.s, side, afterID, limit), nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, id int) (models.Order, error) {
	i := findOrder(t.s, id)
	if i < 0 {
		return models.Order{}, fmt.Errorf("failed to get order %d: %w", id, db.ErrNotFound)
	}
	return t.s.orders[i], nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, order models.Order) error {
	i := findOrder(t.s, order.ID)
	if i < 0 || t.s.orders[i].Status != models.StatusPending {
		return fmt.Errorf("%w: order %d is no longer pending", exchange.ErrConcurrencyConflict, order.ID)
	}
	t.s.orders[i].Quantity = order.Quantity
	t.s.orders[i].Status = order.Status
	t.s.orders[i].CompletedAt = order.CompletedAt
	return nil
}

func (t *memoryTx) AppendTransaction(ctx context.Context, trade models.Transaction) (models.Transaction, error) {
	var err error
	if trade.PricePerToken, err = numeric(trade.PricePerToken, models.MaxPricePerToken); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if trade.TotalAmount, err = numeric(trade.TotalAmount, models.MaxTotalAmount); err != nil {
		return models.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	trade.ID = t.s.nextTradeID
	t.s.nextTradeID++
	trade.CreatedAt = t.now()
	t.s.transactions = append(t.s.transactions, trade)
	return trade, nil
}

// numeric stores v the way a NUMERIC(p,2) column does: rounded half away
// from zero to two places, failing when the rounded value exceeds limit
func numeric(v, limit decimal.Decimal) (decimal.Decimal, error) {
	r := v.Round(models.MoneyScale)
	if r.Abs().GreaterThan(limit) {
		return decimal.Zero, fmt.Errorf("numeric field overflow: %s", v)
	}
	return r, nil
}
