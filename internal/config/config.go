// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Marketplace settings
	Currency        string        // ISO currency code for all accounts (single-currency platform)
	CommissionBps   int64         // Platform commission in basis points, captured onto orders at creation
	AccountLockWait time.Duration // Max wait for an account's exclusive lock before failing fast

	// Stripe (wallet top-ups)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Notification dispatch
	NotifyTimeout time.Duration // Per-delivery HTTP timeout
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCurrency      = "GHS"
	DefaultCommissionBps = 1000 // 10%
	DefaultLockWaitMS    = 2000
	DefaultNotifySeconds = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Currency:            getEnv("CURRENCY", DefaultCurrency),
		CommissionBps:       getEnvInt64("COMMISSION_BPS", DefaultCommissionBps),
		AccountLockWait:     time.Duration(getEnvInt64("ACCOUNT_LOCK_WAIT_MS", DefaultLockWaitMS)) * time.Millisecond,
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyTimeout:       time.Duration(getEnvInt64("NOTIFY_TIMEOUT_SECONDS", DefaultNotifySeconds)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.CommissionBps < 0 || c.CommissionBps > 10000 {
		return fmt.Errorf("COMMISSION_BPS must be between 0 and 10000, got %d", c.CommissionBps)
	}
	if c.AccountLockWait <= 0 {
		return fmt.Errorf("ACCOUNT_LOCK_WAIT_MS must be positive")
	}
	if c.StripeWebhookSecret != "" && c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY is required when STRIPE_WEBHOOK_SECRET is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
