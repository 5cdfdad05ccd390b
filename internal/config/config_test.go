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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PLATFORM_FEE_BPS", "500")
	setEnv(t, "OUTBOX_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, int64(500), cfg.PlatformFeeBps)
	assert.Equal(t, DefaultPlatformWallet, cfg.PlatformAccountID)
	assert.Equal(t, DefaultCurrency, cfg.Currency)
	assert.Equal(t, 250*time.Millisecond, cfg.OutboxPollInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				Env:               "development",
				PlatformFeeBps:    1000,
				PlatformAccountID: "platform",
			},
			wantErr: "",
		},
		{
			name: "fee over 100 percent",
			config: Config{
				Env:               "development",
				PlatformFeeBps:    10001,
				PlatformAccountID: "platform",
			},
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name: "negative fee",
			config: Config{
				Env:               "development",
				PlatformFeeBps:    -1,
				PlatformAccountID: "platform",
			},
			wantErr: "PLATFORM_FEE_BPS",
		},
		{
			name: "empty platform account",
			config: Config{
				Env:            "development",
				PlatformFeeBps: 1000,
			},
			wantErr: "PLATFORM_ACCOUNT_ID",
		},
		{
			name: "production needs database",
			config: Config{
				Env:               "production",
				PlatformFeeBps:    1000,
				PlatformAccountID: "platform",
				StripeAPIKey:      "sk_live_x",
			},
			wantErr: "DATABASE_URL is required",
		},
		{
			name: "production needs processor key",
			config: Config{
				Env:               "production",
				PlatformFeeBps:    1000,
				PlatformAccountID: "platform",
				DatabaseURL:       "postgres://x",
			},
			wantErr: "STRIPE_API_KEY is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "30s")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 30*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
