// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "wayfinder", cfg.Logger().ServiceName)
	assert.Equal(t, EngineChrome, cfg.Browser().Engine)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 1280, cfg.Browser().Viewport.Width)
	assert.Equal(t, 720, cfg.Browser().Viewport.Height)
	assert.Equal(t, 30*time.Second, cfg.Browser().Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Readiness().PollInterval)
	assert.Equal(t, 2, cfg.Readiness().SettleConfirmations)
	assert.Equal(t, 3, cfg.Retry().MaxAttempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 250 * time.Millisecond, 500 * time.Millisecond}, cfg.Retry().Backoff)
	assert.Equal(t, 2*time.Second, cfg.Interaction().ElementTimeout)
	assert.True(t, cfg.Monitor().Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Backoff: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 10*time.Millisecond, p.Delay(1))
	assert.Equal(t, 20*time.Millisecond, p.Delay(2))
	// The last entry repeats once the schedule runs out.
	assert.Equal(t, 20*time.Millisecond, p.Delay(7))

	assert.Equal(t, time.Duration(0), RetryPolicy{MaxAttempts: 1}.Delay(1))
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown engine", func(c *Config) { c.BrowserCfg.Engine = "lynx" }, "browser.engine must be one of"},
		{"zero viewport", func(c *Config) { c.BrowserCfg.Viewport.Width = 0 }, "browser.viewport dimensions must be positive"},
		{"zero poll interval", func(c *Config) { c.ReadinessCfg.PollInterval = 0 }, "poll_interval must be a positive duration"},
		{"no confirmations", func(c *Config) { c.ReadinessCfg.SettleConfirmations = 0 }, "settle_confirmations must be at least 1"},
		{"budget below poll", func(c *Config) { c.ReadinessCfg.NavigationBudget = time.Millisecond }, "navigation_budget must be at least one poll_interval"},
		{"no attempts", func(c *Config) { c.RetryCfg.MaxAttempts = 0 }, "max_attempts must be at least 1"},
		{"negative backoff", func(c *Config) { c.RetryCfg.Backoff = []time.Duration{-time.Second} }, "backoff entries cannot be negative"},
		{"monitor without interval", func(c *Config) { c.MonitorCfg.PollInterval = 0 }, "monitor.poll_interval must be a positive duration"},
		{"inverted area thresholds", func(c *Config) { c.ClassifierCfg.FullConfidenceArea = 0.5 }, "classifier.full_confidence_area"},
		{"empty log", func(c *Config) { c.InteractionCfg.LogSize = 0 }, "interaction.log_size must be a positive integer"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("disabled monitor ignores interval", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.MonitorCfg.Enabled = false
		cfg.MonitorCfg.PollInterval = 0
		assert.NoError(t, cfg.Validate())
	})
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("yaml overrides defaults", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")

		yamlConfig := []byte(`
browser:
  engine: memory
  headless: false
readiness:
  poll_interval: 50ms
  settle_confirmations: 3
retry:
  max_attempts: 5
  backoff: ["10ms", "20ms"]
`)
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlConfig)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, EngineMemory, cfg.Browser().Engine)
		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, 50*time.Millisecond, cfg.Readiness().PollInterval)
		assert.Equal(t, 3, cfg.Readiness().SettleConfirmations)
		assert.Equal(t, 5, cfg.Retry().MaxAttempts)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.Retry().Backoff)
		// Untouched sections keep their defaults.
		assert.Equal(t, 1280, cfg.Browser().Viewport.Width)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("retry.max_attempts", 0)

		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})

	t.Run("setters mutate the config", func(t *testing.T) {
		cfg := NewDefaultConfig()
		var iface Interface = cfg
		iface.SetBrowserHeadless(false)
		iface.SetBrowserEngine(EngineRod)
		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, EngineRod, cfg.Browser().Engine)
	})
}
