// Package config provides configuration management for the payment forwarder.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	apperrors "github.com/payment-forwarder/internal/errors"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Wallet     WalletConfig
	Forwarding ForwardingConfig
	Cache      CacheConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
	// MetricsPort is where the worker exposes /metrics; empty disables it
	MetricsPort string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// ClickHouseConfig holds ClickHouse configuration.
// The payout audit log is disabled when Host is empty.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// Enabled reports whether a ClickHouse host is configured
func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// WalletConfig holds the wallet service connection.
// RPCUser and RPCPassword are read from API_KEY and API_SECRET, the names
// the original payproc.conf used for the wallet API credentials.
type WalletConfig struct {
	RPCPrimary       string
	RPCSecondary     string
	RPCUser          string
	RPCPassword      string
	Name             string
	Passphrase       string
	Testnet          bool
	MinConfirmations int
	RequestsPerSec   int
	RequestTimeout   time.Duration
	InitTimeout      time.Duration
}

// ForwardingConfig holds consolidation sweep configuration
type ForwardingConfig struct {
	Enabled          bool
	Interval         time.Duration
	ThresholdSatoshi int64
	Concurrency      int
	LockTTL          time.Duration
	RunOnStart       bool
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	TTL time.Duration
}

// RateLimitConfig holds HTTP rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", getEnv("SERVER_PORT", "11306")),
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			MetricsPort: getEnv("WORKER_METRICS_PORT", "9102"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "payproc"),
				User:           getEnv("POSTGRES_USER", "payproc"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 20),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", ""),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "payproc"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Wallet: WalletConfig{
			RPCPrimary:       getEnv("WALLET_RPC_PRIMARY", "http://localhost:18332"),
			RPCSecondary:     getEnv("WALLET_RPC_SECONDARY", ""),
			RPCUser:          getEnv("API_KEY", ""),
			RPCPassword:      getEnv("API_SECRET", ""),
			Name:             getEnv("WALLET_NAME", ""),
			Passphrase:       getEnv("WALLET_PASSWORD", ""),
			Testnet:          getEnvAsBool("USE_TESTNET", true),
			MinConfirmations: getEnvAsInt("WALLET_MIN_CONFIRMATIONS", 1),
			RequestsPerSec:   getEnvAsInt("WALLET_REQUESTS_PER_SECOND", 20),
			RequestTimeout:   getEnvAsDuration("WALLET_REQUEST_TIMEOUT", 15*time.Second),
			InitTimeout:      getEnvAsDuration("WALLET_INIT_TIMEOUT", 2*time.Minute),
		},
		Forwarding: ForwardingConfig{
			Enabled:          getEnvAsBool("FORWARDING_ENABLED", true),
			Interval:         getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
			ThresholdSatoshi: getEnvAsInt64("FORWARD_THRESHOLD_SATOSHI", 136000),
			Concurrency:      getEnvAsInt("SWEEP_CONCURRENCY", 8),
			LockTTL:          getEnvAsDuration("SWEEP_LOCK_TTL", 10*time.Minute),
			RunOnStart:       getEnvAsBool("SWEEP_RUN_ON_START", true),
		},
		Cache: CacheConfig{
			TTL: getEnvAsDuration("CACHE_TTL", 20*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate checks the settings the process cannot serve without.
// Every failure is a configuration error; the process must not start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Wallet.RPCPrimary) == "" {
		return apperrors.NewConfigurationError("WALLET_RPC_PRIMARY", "wallet endpoint is required")
	}
	if c.Wallet.RPCUser == "" || c.Wallet.RPCPassword == "" {
		return apperrors.NewConfigurationError("API_KEY/API_SECRET", "wallet credentials are required")
	}
	if c.Wallet.Name == "" {
		return apperrors.NewConfigurationError("WALLET_NAME", "wallet name is required")
	}
	if c.Wallet.MinConfirmations < 0 {
		return apperrors.NewConfigurationError("WALLET_MIN_CONFIRMATIONS", "must not be negative")
	}
	if c.Forwarding.Interval <= 0 {
		return apperrors.NewConfigurationError("SWEEP_INTERVAL", "must be positive")
	}
	if c.Forwarding.ThresholdSatoshi < 0 {
		return apperrors.NewConfigurationError("FORWARD_THRESHOLD_SATOSHI", "must not be negative")
	}
	if c.Forwarding.Concurrency <= 0 {
		return apperrors.NewConfigurationError("SWEEP_CONCURRENCY", "must be positive")
	}
	if c.Forwarding.LockTTL < c.Forwarding.Interval {
		return apperrors.NewConfigurationError("SWEEP_LOCK_TTL", "must be at least SWEEP_INTERVAL")
	}
	if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
		return apperrors.NewConfigurationError("POSTGRES_HOST/POSTGRES_DB", "ledger database is required")
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 gets an environment variable as a 64-bit integer with a default value
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
