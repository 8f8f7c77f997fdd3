package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"go.uber.org/zap"
)

// GetUserBalance returns the user's balance. The first call for a username
// creates a zero balance; created reports whether this call did so.
func (e *Exchange) GetUserBalance(ctx context.Context, username string) (balance models.UserBalance, created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.UserBalance{}, false, validationError("username is required")
	}
	balance, created, err = e.store.GetOrCreateBalance(ctx, username)
	if err != nil {
		return models.UserBalance{}, false, err
	}
	if created {
		logger.DebugCtx(ctx, "balance initialized", zap.String("username", username))
	}
	return balance, created, nil
}

// GetTokenSupply returns the global supply counter
func (e *Exchange) GetTokenSupply(ctx context.Context) (models.TokenSupply, error) {
	return e.store.GetTokenSupply(ctx)
}

// IssueTokens adds amount to the global supply without crediting anyone
func (e *Exchange) IssueTokens(ctx context.Context, amount int64) (models.TokenSupply, error) {
	if amount <= 0 {
		return models.TokenSupply{}, validationError("amount must be a positive integer")
	}
	var supply models.TokenSupply
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		s, err := tx.AddSupply(ctx, amount)
		supply = s
		return err
	})
	if err != nil {
		return models.TokenSupply{}, err
	}
	logger.InfoCtx(ctx, "tokens issued", zap.Int64("amount", amount), zap.Int64("total", supply.TotalTokens))
	e.notify(ctx, nil)
	return supply, nil
}

// BurnTokens removes amount from the global supply
func (e *Exchange) BurnTokens(ctx context.Context, amount int64) (models.TokenSupply, error) {
	if amount <= 0 {
		return models.TokenSupply{}, validationError("amount must be a positive integer")
	}
	var supply models.TokenSupply
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		s, ok, err := tx.RemoveSupply(ctx, amount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: total %d, requested %d", ErrInsufficientSupply, s.TotalTokens, amount)
		}
		supply = s
		return nil
	})
	if err != nil {
		return models.TokenSupply{}, err
	}
	logger.InfoCtx(ctx, "tokens burned", zap.Int64("amount", amount), zap.Int64("total", supply.TotalTokens))
	e.notify(ctx, nil)
	return supply, nil
}

// GrantTokens issues amount new tokens straight into a user's balance
func (e *Exchange) GrantTokens(ctx context.Context, username string, amount int64) (models.UserBalance, error) {
	if amount <= 0 {
		return models.UserBalance{}, validationError("amount must be a positive integer")
	}
	var balance models.UserBalance
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		if err := e.requireUser(ctx, tx, username); err != nil {
			return err
		}
		if err := tx.LockMarket(ctx); err != nil {
			return err
		}
		if _, err := tx.AddSupply(ctx, amount); err != nil {
			return err
		}
		b, err := tx.AddTokens(ctx, username, amount)
		balance = b
		return err
	})
	if err != nil {
		return models.UserBalance{}, err
	}
	logger.InfoCtx(ctx, "tokens granted", zap.String("username", username), zap.Int64("amount", amount))
	e.notify(ctx, nil)
	return balance, nil
}

// RevokeTokens takes amount unreserved tokens from a user and burns them
func (e *Exchange) RevokeTokens(ctx context.Context, username string, amount int64) (models.UserBalance, error) {
	if amount <= 0 {
		return models.UserBalance{}, validationError("amount must be a positive integer")
	}
	var balance models.UserBalance
	err := e.atomically(ctx, func(ctx context.Context, tx Tx) error {
		if err := e.requireUser(ctx, tx, username); err != nil {
			return err
		}
		if err := tx.LockMarket(ctx); err != nil {
			return err
		}
		b, ok, err := tx.RemoveTokens(ctx, username, amount)
		if err != nil {
			return err
		}
		if !ok {
			return &InsufficientBalanceError{Username: username, CurrentBalance: b.Available(), RequestedQuantity: amount}
		}
		s, ok, err := tx.RemoveSupply(ctx, amount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: total %d, requested %d", ErrInsufficientSupply, s.TotalTokens, amount)
		}
		balance = b
		return nil
	})
	if err != nil {
		return models.UserBalance{}, err
	}
	logger.InfoCtx(ctx, "tokens revoked", zap.String("username", username), zap.Int64("amount", amount))
	e.notify(ctx, nil)
	return balance, nil
}

func (e *Exchange) requireUser(ctx context.Context, tx Tx, username string) error {
	exists, err := tx.UserExists(ctx, username)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return nil
}
