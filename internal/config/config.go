package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtrntr/twallet/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the server configuration
type Config struct {
	Debug     bool           `mapstructure:"debug"`
	SentryDSN string         `mapstructure:"sentry_dsn"`
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Exchange  ExchangeConfig `mapstructure:"exchange"`
	Auth      AuthConfig     `mapstructure:"auth"`
	Kafka     KafkaConfig    `mapstructure:"kafka"`
	Redis     RedisConfig    `mapstructure:"redis"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	StaticDir    string        `mapstructure:"static_dir"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ExchangeConfig tunes the matching engine
type ExchangeConfig struct {
	DefaultPrice   string        `mapstructure:"default_price"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	MaxRetries     uint64        `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	MatchBatchSize int           `mapstructure:"match_batch_size"`
}

// AuthConfig holds authentication configuration. An empty JWTSecret turns
// bearer-token checks off; an empty AdminAPIKey disables the admin routes.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	AdminAPIKey string        `mapstructure:"admin_api_key"`
}

// KafkaConfig holds the trade event stream configuration. No brokers means
// events are not published.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig holds the order book cache configuration. An empty address
// disables the cache.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	OrderBookTTL time.Duration `mapstructure:"order_book_ttl"`
}

// Load reads configuration from an optional file, .env files under envPath
// and TWALLET_* environment variables, in increasing priority
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.static_dir", "frontend")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "twallet")
	v.SetDefault("database.dbname", "twallet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("exchange.default_price", "1000.00")
	v.SetDefault("exchange.lock_timeout", "5s")
	v.SetDefault("exchange.max_retries", 3)
	v.SetDefault("exchange.retry_interval", "50ms")
	v.SetDefault("exchange.match_batch_size", 100)
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("kafka.topic", "twallet.transactions")
	v.SetDefault("redis.order_book_ttl", "30s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	if _, err := c.Exchange.Price(); err != nil {
		return err
	}
	if c.Exchange.MatchBatchSize <= 0 {
		return fmt.Errorf("exchange.match_batch_size must be positive")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	return nil
}

// Price parses the default price tier
func (c ExchangeConfig) Price() (decimal.Decimal, error) {
	price, err := decimal.NewFromString(c.DefaultPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid exchange.default_price %q: %w", c.DefaultPrice, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("exchange.default_price must be positive")
	}
	if !models.ValidPrice(price) {
		return decimal.Zero, fmt.Errorf("exchange.default_price must have at most %d decimal places and not exceed %s",
			models.MoneyScale, models.MaxPricePerToken)
	}
	return price, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// Addr returns the HTTP listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("cmd/server/")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("TWALLET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env vars for keys viper already knows about
	for _, key := range []string{
		"debug", "sentry_dsn",
		"server.host", "server.port", "server.read_timeout", "server.write_timeout", "server.static_dir",
		"database.host", "database.port", "database.user", "database.password", "database.dbname",
		"database.sslmode", "database.max_conns",
		"exchange.default_price", "exchange.lock_timeout", "exchange.max_retries",
		"exchange.retry_interval", "exchange.match_batch_size",
		"auth.jwt_secret", "auth.token_ttl", "auth.admin_api_key",
		"kafka.brokers", "kafka.topic",
		"redis.address", "redis.password", "redis.db", "redis.order_book_ttl",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// loadEnv loads .env then .env.local from envPath, later files winning
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
