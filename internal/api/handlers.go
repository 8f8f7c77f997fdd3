package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xtrntr/twallet/internal/auth"
	"github.com/xtrntr/twallet/internal/cache"
	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	// Cache serves GetOrderBook when set
	Cache *cache.OrderBookCache
	// Hub serves /ws when set
	Hub         *Hub
	AdminAPIKey string
	// StaticDir is served at / when set
	StaticDir string
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService) *Handler {
	return &Handler{Exchange: ex, AuthService: authService}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, http.StatusBadRequest, ErrCodeValidationFailed, "username and password required", "")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUsernameTaken):
		writeAPIError(w, http.StatusConflict, ErrCodeValidationFailed, "username already taken", "")
		return
	case errors.Is(err, auth.ErrInvalidInput):
		writeAPIError(w, http.StatusBadRequest, ErrCodeValidationFailed, "invalid username or password", err.Error())
		return
	case err != nil:
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAPIError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid credentials", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type orderRequest struct {
	Username string          `json:"username"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price_per_token"`
}

type orderResponse struct {
	OrderID           int             `json:"order_id"`
	Username          string          `json:"username"`
	Quantity          int64           `json:"quantity"`
	Status            string          `json:"status"`
	PricePerToken     decimal.Decimal `json:"price_per_token"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	MatchedOrderIDs   []int           `json:"matched_order_ids"`
	RemainingQuantity int64           `json:"remaining_quantity"`
}

// PlaceBuyOrder handles POST /buy
func (h *Handler) PlaceBuyOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.Exchange.PlaceBuyOrder)
}

// PlaceSellOrder handles POST /sell
func (h *Handler) PlaceSellOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.Exchange.PlaceSellOrder)
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request,
	place func(context.Context, exchange.OrderRequest) (*exchange.PlaceOrderResult, error)) {
	var req orderRequest
	if !decode(w, r, &req) {
		return
	}
	username, ok := h.actingUser(w, r, req.Username)
	if !ok {
		return
	}

	result, err := place(r.Context(), exchange.OrderRequest{
		Username: username,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, orderResponse{
		OrderID:           result.Order.ID,
		Username:          result.Order.Username,
		Quantity:          result.RequestedQuantity,
		Status:            result.Order.Status,
		PricePerToken:     result.Order.PricePerToken,
		TotalAmount:       result.Order.TotalAmount,
		MatchedOrderIDs:   result.MatchedOrderIDs,
		RemainingQuantity: result.RemainingQuantity,
	})
}

// actingUser resolves who a mutating request acts for. With auth enabled the
// bearer token decides and a differing body username is rejected.
func (h *Handler) actingUser(w http.ResponseWriter, r *http.Request, requested string) (string, bool) {
	if !h.AuthService.Enabled() {
		return requested, true
	}
	username, ok := usernameFromContext(r.Context())
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unauthorized", "")
		return "", false
	}
	if requested != "" && requested != username {
		writeAPIError(w, http.StatusForbidden, ErrCodeForbidden, "token does not belong to "+requested, "")
		return "", false
	}
	return username, true
}

// CancelOrder handles DELETE /orders/{side}/{id}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	side := models.Side(chi.URLParam(r, "side"))
	orderID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid order id", "")
		return
	}
	username, ok := h.actingUser(w, r, r.URL.Query().Get("username"))
	if !ok {
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), side, orderID, username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListBuyOrders handles GET /orders/buy
func (h *Handler) ListBuyOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, models.SideBuy)
}

// ListSellOrders handles GET /orders/sell
func (h *Handler) ListSellOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, models.SideSell)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request, side models.Side) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	orders, err := h.Exchange.ListOrders(r.Context(), models.OrderFilter{
		Side:     side,
		Status:   q.Get("status"),
		Username: q.Get("username"),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// LoadOrderBook reads the book through the cache when one is configured
func (h *Handler) LoadOrderBook(ctx context.Context) (*exchange.OrderBook, error) {
	if h.Cache == nil {
		return h.Exchange.GetOrderBook(ctx)
	}
	return h.Cache.Load(ctx, h.Exchange.GetOrderBook)
}

// GetOrderBook handles GET /orderbook
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.LoadOrderBook(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetTokenSupply handles GET /balance
func (h *Handler) GetTokenSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.Exchange.GetTokenSupply(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

// GetUserBalance handles GET /balance/{username}
func (h *Handler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	balance, _, err := h.Exchange.GetUserBalance(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":         balance.Username,
		"user_tokens":      balance.Tokens,
		"reserved_tokens":  balance.ReservedTokens,
		"available_tokens": balance.Available(),
		"created_at":       balance.CreatedAt,
		"updated_at":       balance.UpdatedAt,
	})
}

// ListTransactions handles GET /transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	trades, err := h.Exchange.ListTransactions(r.Context(), models.TransactionFilter{
		Username: q.Get("username"),
		Type:     models.Side(q.Get("type")),
		Limit:    limit,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must be an integer", "")
		return 0, false
	}
	return limit, true
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// IssueTokens handles POST /admin/supply/issue
func (h *Handler) IssueTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustSupply(w, r, h.Exchange.IssueTokens)
}

// BurnTokens handles POST /admin/supply/burn
func (h *Handler) BurnTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustSupply(w, r, h.Exchange.BurnTokens)
}

func (h *Handler) adjustSupply(w http.ResponseWriter, r *http.Request,
	adjust func(context.Context, int64) (models.TokenSupply, error)) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	supply, err := adjust(r.Context(), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, supply)
}

// GrantTokens handles POST /admin/balances/{username}/grant
func (h *Handler) GrantTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustBalance(w, r, h.Exchange.GrantTokens)
}

// RevokeTokens handles POST /admin/balances/{username}/revoke
func (h *Handler) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	h.adjustBalance(w, r, h.Exchange.RevokeTokens)
}

func (h *Handler) adjustBalance(w http.ResponseWriter, r *http.Request,
	adjust func(context.Context, string, int64) (models.UserBalance, error)) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	balance, err := adjust(r.Context(), chi.URLParam(r, "username"), req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}
