package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/xtrntr/twallet/internal/auth"
	"github.com/xtrntr/twallet/internal/config"
	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/logger"
	"github.com/xtrntr/twallet/internal/models"

	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "Path to config file")
	envPath    = flag.String("env", "config/", "Directory holding .env files")
	password   = flag.String("password", "password123", "Password for the demo users")
)

var demoUsers = []struct {
	username string
	tokens   int64
}{
	{"trader1", 50},
	{"trader2", 30},
	{"coach_anna", 10},
}

// Seed the database with demo users, balances and a few resting orders
func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		panic(err)
	}
	if err := logger.Initialize(logger.Config{Debug: true}); err != nil {
		panic(err)
	}
	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	if _, err := database.InitTokenSupply(ctx); err != nil {
		logger.Fatal("Failed to initialize token supply", zap.Error(err))
	}

	// First check if we already have trades
	trades, err := database.ListTransactions(ctx, models.TransactionFilter{Limit: 1})
	if err != nil {
		logger.Fatal("Failed to check transactions", zap.Error(err))
	}
	if len(trades) > 0 {
		fmt.Println("Database already has transactions. No need to seed.")
		os.Exit(0)
	}

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	price, _ := cfg.Exchange.Price()
	ex := exchange.NewExchange(exchange.NewPostgresStore(database), exchange.Config{
		DefaultPrice:   price,
		MatchBatchSize: cfg.Exchange.MatchBatchSize,
		MaxRetries:     cfg.Exchange.MaxRetries,
		RetryInterval:  cfg.Exchange.RetryInterval,
	})

	for _, u := range demoUsers {
		if _, err := authService.Register(ctx, u.username, *password); err != nil && !errors.Is(err, auth.ErrUsernameTaken) {
			logger.Fatal("Failed to create user", zap.String("username", u.username), zap.Error(err))
		}
		if _, err := ex.GrantTokens(ctx, u.username, u.tokens); err != nil {
			logger.Fatal("Failed to grant tokens", zap.String("username", u.username), zap.Error(err))
		}
	}

	// trader2 lists 20 tokens in two lots, trader1 takes the first lot and
	// part of the second, coach_anna leaves a resting bid
	steps := []struct {
		side     models.Side
		username string
		quantity int64
	}{
		{models.SideSell, "trader2", 8},
		{models.SideSell, "trader2", 12},
		{models.SideBuy, "trader1", 10},
		{models.SideSell, "trader1", 5},
		{models.SideBuy, "coach_anna", 3},
	}
	for _, s := range steps {
		req := exchange.OrderRequest{Username: s.username, Quantity: s.quantity}
		var res *exchange.PlaceOrderResult
		if s.side == models.SideBuy {
			res, err = ex.PlaceBuyOrder(ctx, req)
		} else {
			res, err = ex.PlaceSellOrder(ctx, req)
		}
		if err != nil {
			logger.Fatal("Failed to place order", zap.String("username", s.username), zap.Error(err))
		}
		fmt.Printf("%-4s %-10s qty=%-3d -> order %d %s, matched %v, remaining %d\n",
			s.side, s.username, s.quantity, res.Order.ID, res.Order.Status, res.MatchedOrderIDs, res.RemainingQuantity)
	}

	fmt.Println("Successfully seeded the database!")
}
