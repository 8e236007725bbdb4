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
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: \"9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 1, cfg.RateLimit.Capacity)
	assert.Equal(t, "resonance", cfg.Redis.Prefix)
	assert.Empty(t, cfg.Server.TrustedProxies)
	assert.Empty(t, cfg.Media.AllowedHosts)
	assert.False(t, cfg.Media.AllowPrivateNetworks)
	assert.Equal(t, "gemini", cfg.Classifier.Provider)
	assert.Equal(t, cfg.Classifier.TextModel, cfg.Classifier.ImageModel)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, 5*time.Second, policy.BaseDelay)
	assert.Equal(t, 3.0, policy.Multiplier)
	assert.Equal(t, 5*time.Minute, policy.MaxDelay)

	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, 0, cfg.Session.DailyLimit)
}

func TestLoadConfig_ZeroRetriesHonored(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "classifier:\n  max_retries: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RetryPolicy().MaxRetries)
}

func TestLoadConfig_Values(t *testing.T) {
	t.Setenv("RESONANCE_TEST_KEY", "secret-key")
	t.Setenv("RESONANCE_TEST_SESSION", "session-secret")

	cfg, err := LoadConfig(writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://localhost/resonance
rate_limit:
  window: 30s
  capacity: 5
classifier:
  provider: openrouter
  api_key: ${RESONANCE_TEST_KEY}
  text_model: llama
  image_model: vision
  max_retries: 2
  base_delay: 1s
  multiplier: 2
  max_failures_before_switch: 5
  fallbacks:
    - provider: gemini
      api_key: ${RESONANCE_TEST_KEY}
      text_model: gemini-2.0-flash
session:
  secret: ${RESONANCE_TEST_SESSION}
  daily_limit: 10
`))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 5, cfg.RateLimit.Capacity)
	assert.Equal(t, "secret-key", cfg.Classifier.APIKey)
	assert.Equal(t, "session-secret", cfg.Session.Secret)
	require.Len(t, cfg.Classifier.Fallbacks, 1)
	assert.Equal(t, "secret-key", cfg.Classifier.Fallbacks[0].APIKey)
	assert.Equal(t, 5, cfg.Classifier.MaxFailuresBeforeSwitch)
	assert.Equal(t, 10, cfg.Session.DailyLimit)

	flags := cfg.DefaultFlags()
	assert.False(t, flags.ClassifierDisabled)
	assert.Equal(t, "llama", flags.TextModel)
	assert.Equal(t, "vision", flags.ImageModel)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 2, policy.MaxRetries)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 2.0, policy.Multiplier)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative retries", "classifier:\n  max_retries: -1\n"},
		{"shrinking delay", "classifier:\n  multiplier: 0.5\n"},
		{"unknown provider", "classifier:\n  provider: carrier-pigeon\n"},
		{"unknown fallback", "classifier:\n  fallbacks:\n    - provider: telegraph\n"},
		{"postgres without dsn", "database:\n  driver: postgres\n"},
		{"malformed yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml"))
		assert.Error(t, err)
	})
}
