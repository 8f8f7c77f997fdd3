package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *Config)
	}{
		{
			name: "valid config file",
			configFile: `
debug: true
server:
  port: 9090
  read_timeout: 3s
database:
  host: db.internal
  password: secret
exchange:
  default_price: "250.50"
  lock_timeout: 2s
  max_retries: 5
auth:
  jwt_secret: s3cret
  admin_api_key: admin
kafka:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
redis:
  address: "redis:6379"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, 2*time.Second, cfg.Exchange.LockTimeout)
				assert.Equal(t, uint64(5), cfg.Exchange.MaxRetries)
				assert.Equal(t, 100, cfg.Exchange.MatchBatchSize)
				assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
				assert.Equal(t, "twallet.transactions", cfg.Kafka.Topic)
				assert.Equal(t, "redis:6379", cfg.Redis.Address)
				assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)

				price, err := cfg.Exchange.Price()
				require.NoError(t, err)
				assert.Equal(t, "250.5", price.String())
			},
		},
		{
			name:       "defaults only",
			configFile: "debug: false\n",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "disable", cfg.Database.SSLMode)
				assert.Equal(t, "1000.00", cfg.Exchange.DefaultPrice)
				assert.Equal(t, 5*time.Second, cfg.Exchange.LockTimeout)
				assert.Empty(t, cfg.Kafka.Brokers)
				assert.Empty(t, cfg.Redis.Address)
			},
		},
		{
			name:        "invalid default price",
			configFile:  "exchange:\n  default_price: abc\n",
			expectError: true,
		},
		{
			name:        "non-positive default price",
			configFile:  "exchange:\n  default_price: \"0\"\n",
			expectError: true,
		},
		{
			name:        "default price below a cent",
			configFile:  "exchange:\n  default_price: \"10.005\"\n",
			expectError: true,
		},
		{
			name:        "default price too large",
			configFile:  "exchange:\n  default_price: \"100000000\"\n",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.configFile), t.TempDir())
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("TWALLET_DATABASE_HOST", "env-host")
	t.Setenv("TWALLET_EXCHANGE_MATCH_BATCH_SIZE", "7")

	cfg, err := Load(writeConfig(t, "database:\n  host: file-host\n"), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, 7, cfg.Exchange.MatchBatchSize)
}

func TestLoad_DotEnvFile(t *testing.T) {
	envDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(envDir, ".env"), []byte("TWALLET_AUTH_ADMIN_API_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TWALLET_AUTH_ADMIN_API_KEY") })

	cfg, err := Load(writeConfig(t, "debug: true\n"), envDir)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.AdminAPIKey)
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", c.DSN())
}
