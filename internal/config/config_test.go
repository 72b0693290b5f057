package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func setRequired(t *testing.T) {
	t.Helper()
	setEnv(t, "GATEWAY_SECRET", "test-gateway-secret")
	setEnv(t, "WEBHOOK_SECRET", "test-webhook-secret")
	setEnv(t, "PAYOUT_ENCRYPTION_KEY", "test-encryption-key")
}

func TestLoad_WithValidConfig(t *testing.T) {
	setRequired(t)
	setEnv(t, "PORT", "9090")
	setEnv(t, "SESSION_TICK_INTERVAL", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogFormat, cfg.LogFormat)
	assert.Equal(t, int64(DefaultMinPayoutAmount), cfg.MinPayoutAmount)
	assert.Equal(t, int64(DefaultMinPayoutFee), cfg.MinPayoutFee)
	assert.Equal(t, 30*time.Second, cfg.SessionTickInterval)
	assert.Equal(t, 5*time.Minute, cfg.SettlementPollInterval)
	assert.False(t, cfg.GatewayEnabled)
}

func TestLoad_MissingSecrets(t *testing.T) {
	setRequired(t)
	setEnv(t, "GATEWAY_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_SECRET is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		GatewaySecret:       "s",
		WebhookSecret:       "w",
		PayoutEncryptionKey: "k",
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing webhook secret",
			mutate:  func(c *Config) { c.WebhookSecret = "" },
			wantErr: "WEBHOOK_SECRET is required",
		},
		{
			name:    "missing encryption key",
			mutate:  func(c *Config) { c.PayoutEncryptionKey = "" },
			wantErr: "PAYOUT_ENCRYPTION_KEY is required",
		},
		{
			name:    "gateway enabled without key",
			mutate:  func(c *Config) { c.GatewayEnabled = true },
			wantErr: "GATEWAY_KEY is required",
		},
		{
			name: "gateway enabled with key",
			mutate: func(c *Config) {
				c.GatewayEnabled = true
				c.GatewayKey = "key_123"
			},
			wantErr: "",
		},
		{
			name:    "negative min amount",
			mutate:  func(c *Config) { c.MinPayoutAmount = -1 },
			wantErr: "MIN_PAYOUT_AMOUNT",
		},
		{
			name:    "negative min fee",
			mutate:  func(c *Config) { c.MinPayoutFee = -1 },
			wantErr: "MIN_PAYOUT_FEE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_BOOL", "true")
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_NEG", "-5s")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error

	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.False(t, getEnvBool("NONEXISTENT_VAR", false))

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_NEG", time.Minute)) // Non-positive rejected
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
