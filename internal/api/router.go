package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes builds the HTTP surface of the exchange
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if h.Hub != nil {
		r.Method(http.MethodGet, "/ws", h.Hub)
	}

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/orders/buy", h.ListBuyOrders)
	r.Get("/orders/sell", h.ListSellOrders)
	r.Get("/balance", h.GetTokenSupply)
	r.Get("/balance/{username}", h.GetUserBalance)
	r.Get("/transactions", h.ListTransactions)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/buy", h.PlaceBuyOrder)
		r.Post("/sell", h.PlaceSellOrder)
		r.Delete("/orders/{side}/{id}", h.CancelOrder)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.AdminMiddleware)
		r.Post("/supply/issue", h.IssueTokens)
		r.Post("/supply/burn", h.BurnTokens)
		r.Post("/balances/{username}/grant", h.GrantTokens)
		r.Post("/balances/{username}/revoke", h.RevokeTokens)
	})

	if h.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(h.StaticDir)))
	}

	return r
}
