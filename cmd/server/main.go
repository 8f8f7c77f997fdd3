package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/twallet/internal/api"
	"github.com/xtrntr/twallet/internal/auth"
	"github.com/xtrntr/twallet/internal/cache"
	"github.com/xtrntr/twallet/internal/config"
	"github.com/xtrntr/twallet/internal/db"
	"github.com/xtrntr/twallet/internal/events"
	"github.com/xtrntr/twallet/internal/exchange"
	"github.com/xtrntr/twallet/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "", "Path to config file")
	envPath    = flag.String("env", "config/", "Directory holding .env files")
)

// Main entry point: sets up database, exchange, and HTTP server
func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		panic(err)
	}

	if err := logger.Initialize(logger.Config{
		Debug:     cfg.Debug,
		SentryDSN: cfg.SentryDSN,
		Tags:      map[string]string{"service": "twallet"},
	}); err != nil {
		panic(err)
	}
	defer logger.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		logger.Fatal("Invalid database configuration", zap.Error(err))
	}
	poolConfig.MaxConns = cfg.Database.MaxConns

	database, err := db.NewDBWithConfig(ctx, poolConfig, cfg.Exchange.LockTimeout)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(context.Background())

	if err := database.Migrate(ctx); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	supply, err := database.InitTokenSupply(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize token supply", zap.Error(err))
	}
	logger.Info("Token supply ready", zap.Int64("total_tokens", supply.TotalTokens))

	price, _ := cfg.Exchange.Price()
	ex := exchange.NewExchange(exchange.NewPostgresStore(database), exchange.Config{
		DefaultPrice:   price,
		MatchBatchSize: cfg.Exchange.MatchBatchSize,
		MaxRetries:     cfg.Exchange.MaxRetries,
		RetryInterval:  cfg.Exchange.RetryInterval,
	})

	handler := api.NewHandler(ex, auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL))
	handler.AdminAPIKey = cfg.Auth.AdminAPIKey
	if info, err := os.Stat(cfg.Server.StaticDir); err == nil && info.IsDir() {
		handler.StaticDir = cfg.Server.StaticDir
	}
	if !handler.AuthService.Enabled() {
		logger.Warn("auth.jwt_secret is empty, order routes accept unauthenticated requests")
	}

	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, order book reads fall back to the database", zap.Error(err))
		}
		handler.Cache = cache.NewOrderBookCache(rdb, cfg.Redis.OrderBookTTL)
		ex.Subscribe(handler.Cache)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		ex.Subscribe(publisher)
		logger.Info("Publishing trades", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// the hub reads through the cache, so it subscribes after the cache invalidates
	handler.Hub = api.NewHub(handler.LoadOrderBook)
	ex.Subscribe(handler.Hub)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err)
	}
}
