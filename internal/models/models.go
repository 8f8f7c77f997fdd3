package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side a taker of this side matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Order statuses
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// DefaultPricePerToken is the single price tier every order is created at
// unless the caller overrides it.
var DefaultPricePerToken = decimal.RequireFromString("1000.00")

// Money columns hold two decimal places. Prices are NUMERIC(10,2) and order
// or trade totals NUMERIC(18,2).
const MoneyScale = 2

var (
	MaxPricePerToken = decimal.RequireFromString("99999999.99")
	MaxTotalAmount   = decimal.RequireFromString("9999999999999999.99")
)

// ValidPrice reports whether price is positive and fits the price column
// without rounding
func ValidPrice(price decimal.Decimal) bool {
	return price.IsPositive() &&
		price.Equal(price.Round(MoneyScale)) &&
		!price.GreaterThan(MaxPricePerToken)
}

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserBalance is a user's token holding. ReservedTokens is the part of Tokens
// backing the user's pending sell orders.
type UserBalance struct {
	Username       string    `json:"username"`
	Tokens         int64     `json:"tokens"`
	ReservedTokens int64     `json:"reserved_tokens"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the tokens not committed to pending sell orders
func (b UserBalance) Available() int64 {
	return b.Tokens - b.ReservedTokens
}

// TokenSupply is the global counter of issued tokens
type TokenSupply struct {
	TotalTokens int64     `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Order represents a buy or sell order. Quantity shrinks as the order is
// filled; TotalAmount stays at the value computed on creation.
type Order struct {
	ID            int             `json:"id"`
	Side          Side            `json:"side"`
	Username      string          `json:"username"`
	Quantity      int64           `json:"quantity"`
	PricePerToken decimal.Decimal `json:"price_per_token"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at"`
}

// Transaction is an executed trade in the ledger
type Transaction struct {
	ID                 int             `json:"id"`
	BuyerUsername      string          `json:"buyer_username"`
	SellerUsername     string          `json:"seller_username"`
	TransactionType    Side            `json:"transaction_type"`
	Quantity           int64           `json:"quantity"`
	PricePerToken      decimal.Decimal `json:"price_per_token"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	BuyerBalanceAfter  int64           `json:"buyer_balance_after"`
	SellerBalanceAfter int64           `json:"seller_balance_after"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TransactionFilter narrows a ledger listing. Zero values match everything.
type TransactionFilter struct {
	Username string // buyer or seller
	Type     Side
	Limit    int
}

// OrderFilter narrows an order listing
type OrderFilter struct {
	Side     Side
	Status   string
	Username string
	Limit    int
}
