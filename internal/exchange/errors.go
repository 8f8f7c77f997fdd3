package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any state change
	ErrValidation = errors.New("validation error")
	// ErrUserNotFound is returned when the username is not registered
	ErrUserNotFound = errors.New("user not found")
	// ErrConcurrencyConflict is returned when a unit of work could not get its
	// locks in time. Nothing was applied; the caller may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrOrderNotFound is returned for unknown orders or orders owned by
	// someone else
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending is returned when cancelling a completed or cancelled order
	ErrOrderNotPending = errors.New("order not pending")
	// ErrInsufficientSupply is returned when burning more than was issued
	ErrInsufficientSupply = errors.New("insufficient token supply")
	// ErrReservationMismatch means a pending sell order is not backed by
	// reserved tokens. The match is rolled back.
	ErrReservationMismatch = errors.New("sell order not backed by reserved tokens")
)

// InsufficientBalanceError is returned when a user asks to sell or give up
// more tokens than they have available
type InsufficientBalanceError struct {
	Username          string
	CurrentBalance    int64
	RequestedQuantity int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: current balance %d, requested %d",
		e.Username, e.CurrentBalance, e.RequestedQuantity)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
