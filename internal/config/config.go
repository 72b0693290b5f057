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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayKey     string // API key for outbound gateway calls
	GatewaySecret  string // HMAC secret for payment confirmation signatures
	WebhookSecret  string // HMAC secret for inbound gateway webhooks
	GatewayEnabled bool   // false in demo mode, uses the in-process fake

	// Payouts
	PayoutEncryptionKey string // encrypts payout destinations at rest
	MinPayoutAmount     int64  // smallest withdrawal accepted, in paise
	MinPayoutFee        int64  // floor for the withdrawal processing fee, in paise

	// Background loops
	SessionTickInterval    time.Duration
	SettlementPollInterval time.Duration

	// Session policy
	RequireFeedback bool // hold escrow release until both sides leave feedback

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
	AdminSecret  string // Admin API secret
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultMinPayoutAmount = 10000 // ₹100
	DefaultMinPayoutFee    = 500   // ₹5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayKey:             os.Getenv("GATEWAY_KEY"),
		GatewaySecret:          os.Getenv("GATEWAY_SECRET"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		GatewayEnabled:         getEnvBool("GATEWAY_ENABLED", false),
		PayoutEncryptionKey:    os.Getenv("PAYOUT_ENCRYPTION_KEY"),
		MinPayoutAmount:        getEnvInt64("MIN_PAYOUT_AMOUNT", DefaultMinPayoutAmount),
		MinPayoutFee:           getEnvInt64("MIN_PAYOUT_FEE", DefaultMinPayoutFee),
		SessionTickInterval:    getEnvDuration("SESSION_TICK_INTERVAL", 60*time.Second),
		SettlementPollInterval: getEnvDuration("SETTLEMENT_POLL_INTERVAL", 5*time.Minute),
		RequireFeedback:        getEnvBool("REQUIRE_FEEDBACK", false),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewaySecret == "" {
		return fmt.Errorf("GATEWAY_SECRET is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.PayoutEncryptionKey == "" {
		return fmt.Errorf("PAYOUT_ENCRYPTION_KEY is required")
	}
	if c.GatewayEnabled && c.GatewayKey == "" {
		return fmt.Errorf("GATEWAY_KEY is required when GATEWAY_ENABLED is true")
	}
	if c.MinPayoutAmount < 0 {
		return fmt.Errorf("MIN_PAYOUT_AMOUNT must not be negative")
	}
	if c.MinPayoutFee < 0 {
		return fmt.Errorf("MIN_PAYOUT_FEE must not be negative")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
