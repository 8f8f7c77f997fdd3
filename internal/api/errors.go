package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/logger"

	"go.uber.org/zap"
)

// ErrorCode is a machine-readable rejection reason
type ErrorCode string

const (
	ErrCodeBadRequest          ErrorCode = "bad_request"
	ErrCodeValidationFailed    ErrorCode = "validation_failed"
	ErrCodeUnauthorized        ErrorCode = "unauthorized"
	ErrCodeForbidden           ErrorCode = "forbidden"
	ErrCodeUserNotFound        ErrorCode = "user_not_found"
	ErrCodeOrderNotFound       ErrorCode = "order_not_found"
	ErrCodeOrderNotPending     ErrorCode = "order_not_pending"
	ErrCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrCodeInsufficientSupply  ErrorCode = "insufficient_supply"
	ErrCodeConflict            ErrorCode = "concurrency_conflict"
	ErrCodeInternalError       ErrorCode = "internal_error"
)

// APIError is the JSON body of every rejected request
type APIError struct {
	Code              ErrorCode `json:"code"`
	Message           string    `json:"message"`
	Details           string    `json:"details,omitempty"`
	CurrentBalance    *int64    `json:"current_balance,omitempty"`
	RequestedQuantity *int64    `json:"requested_quantity,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code ErrorCode, message string, details string) {
	writeJSON(w, status, APIError{Code: code, Message: message, Details: details})
}

// writeError maps a domain error to its status and body
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *exchange.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusBadRequest, APIError{
			Code:              ErrCodeInsufficientBalance,
			Message:           "insufficient balance",
			CurrentBalance:    &insufficient.CurrentBalance,
			RequestedQuantity: &insufficient.RequestedQuantity,
		})
	case errors.Is(err, exchange.ErrValidation):
		writeAPIError(w, http.StatusBadRequest, ErrCodeValidationFailed, "validation failed", err.Error())
	case errors.Is(err, exchange.ErrUserNotFound):
		writeAPIError(w, http.StatusNotFound, ErrCodeUserNotFound, "user not found", err.Error())
	case errors.Is(err, exchange.ErrOrderNotFound):
		writeAPIError(w, http.StatusNotFound, ErrCodeOrderNotFound, "order not found", err.Error())
	case errors.Is(err, exchange.ErrOrderNotPending):
		writeAPIError(w, http.StatusConflict, ErrCodeOrderNotPending, "order not pending", err.Error())
	case errors.Is(err, exchange.ErrInsufficientSupply):
		writeAPIError(w, http.StatusBadRequest, ErrCodeInsufficientSupply, "insufficient token supply", err.Error())
	case errors.Is(err, exchange.ErrConcurrencyConflict):
		writeAPIError(w, http.StatusConflict, ErrCodeConflict, "request conflicted with a concurrent update, retry", "")
	default:
		logger.ErrorCtx(r.Context(), err, zap.String("path", r.URL.Path))
		writeAPIError(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error", "")
	}
}
