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

	// Payment processor
	StripeAPIKey string // Optional; a simulated processor is used if not set
	Currency     string

	// Settlement
	PlatformFeeBps    int64  // Platform cut in basis points (1000 = 10%)
	PlatformAccountID string // Wallet that accumulates fees

	// Outbox worker
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxRetention    time.Duration // How long completed events are kept

	// Reconciliation
	ReconcileInterval time.Duration

	// Alerting
	AlertWebhookURL string // Optional operator webhook

	// Security
	RateLimitRPS int
	AdminSecret  string // Admin API secret
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCurrency       = "usd"
	DefaultFeeBps         = 1000
	DefaultPlatformWallet = "platform"
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:       os.Getenv("STRIPE_API_KEY"),
		Currency:           getEnv("CURRENCY", DefaultCurrency),
		PlatformFeeBps:     getEnvInt64("PLATFORM_FEE_BPS", DefaultFeeBps),
		PlatformAccountID:  getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformWallet),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
		OutboxBatchSize:    int(getEnvInt64("OUTBOX_BATCH_SIZE", 25)),
		OutboxRetention:    getEnvDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps > 10000 {
		return fmt.Errorf("PLATFORM_FEE_BPS must be between 0 and 10000")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID must not be empty")
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required in production")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
