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
	assert.Equal(t, "questpilot", cfg.Logger().ServiceName)
	assert.Equal(t, 3, cfg.Executor().MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor().DefaultDelay)
	assert.Equal(t, 40, cfg.Quest().ExecuteMax)
	assert.Equal(t, 2, cfg.Quest().ButtonExhaustionThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Quest().AbortCooldown)
	assert.Equal(t, 10, cfg.Recovery().MaxSameScene)
	assert.Equal(t, 3*time.Second, cfg.Finder().HoldDuration)
	assert.Equal(t, 1400*time.Millisecond, cfg.Finder().CaptureDelay)
	assert.Equal(t, []int{100, 200, 900, 1500}, cfg.Finder().SafeZone)
	assert.Equal(t, "城堡", cfg.Finder().ReferenceBuilding)
	assert.False(t, cfg.Reasoning().Enabled)
	assert.False(t, cfg.Store().Enabled)

	require.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		badLoop := *cfg
		badLoop.LoopCfg.MaxFaults = 0
		err := badLoop.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loop.max_faults must be a positive integer")

		narrowWindow := *cfg
		narrowWindow.LoopCfg.FaultWindow = narrowWindow.LoopCfg.MaxFaults - 1
		err = narrowWindow.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "loop.fault_window")

		badRecovery := *cfg
		badRecovery.RecoveryCfg.MaxSameScene = -1
		err = badRecovery.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "recovery.max_same_scene must be a positive integer")
	})

	t.Run("Quest Validation", func(t *testing.T) {
		q := NewDefaultConfig().Quest()
		assert.NoError(t, q.Validate())

		noThreshold := q
		noThreshold.ButtonExhaustionThreshold = 0
		assert.ErrorContains(t, noThreshold.Validate(), "button_exhaustion_threshold must be positive")

		badConfidence := q
		badConfidence.PointerConfidence = 1.5
		assert.ErrorContains(t, badConfidence.Validate(), "pointer_confidence must be between 0.0 and 1.0")
	})

	t.Run("Finder Validation", func(t *testing.T) {
		f := NewDefaultConfig().Finder()
		assert.NoError(t, f.Validate())

		lateCapture := f
		lateCapture.CaptureDelay = 4 * time.Second
		assert.ErrorContains(t, lateCapture.Validate(), "capture_delay must be shorter than hold_duration")

		shortZone := f
		shortZone.SafeZone = []int{1, 2}
		assert.ErrorContains(t, shortZone.Validate(), "safe_zone must have exactly 4 values")
	})

	t.Run("Reasoning Validation", func(t *testing.T) {
		r := ReasoningConfig{Enabled: true, Model: "gemini-2.5-flash", RateLimit: 1, APIKey: "k"}
		assert.NoError(t, r.Validate())

		disabled := r
		disabled.Enabled = false
		disabled.APIKey = ""
		assert.NoError(t, disabled.Validate(), "disabled reasoning config should always be valid")

		missingKey := r
		missingKey.APIKey = ""
		assert.ErrorContains(t, missingKey.Validate(), "API key is required but not found")
	})

	t.Run("Store Validation", func(t *testing.T) {
		s := StoreConfig{Enabled: true}
		assert.ErrorContains(t, s.Validate(), "store.url is required")
		s.URL = "postgres://localhost/questpilot"
		assert.NoError(t, s.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
device:
  serial: "emulator-5554"
  package: "com.example.game"
quest:
  execute_max: 12
finder:
  hold_duration: 2s
  capture_delay: 900ms
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "emulator-5554", cfg.Device().Serial)
		assert.Equal(t, "com.example.game", cfg.Device().Package)
		assert.Equal(t, 12, cfg.Quest().ExecuteMax)
		assert.Equal(t, 2*time.Second, cfg.Finder().HoldDuration)
		assert.Equal(t, 900*time.Millisecond, cfg.Finder().CaptureDelay)
		// Defaults survive alongside file values.
		assert.Equal(t, 3, cfg.Quest().CheckMax)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("loop.max_faults", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "loop.max_faults must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("reasoning.enabled", true)
		v.Set("store.enabled", true)

		t.Setenv("QUESTPILOT_REASONING_API_KEY", "env-key-123")
		t.Setenv("QUESTPILOT_STORE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "env-key-123", cfg.Reasoning().APIKey)
		assert.Equal(t, "postgres://envvar/db", cfg.Store().URL)
	})

	t.Run("Expands Home Directory Paths", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.NotContains(t, cfg.State().Path, "~")
		assert.Contains(t, cfg.State().Path, ".questpilot")
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetDeviceSerial("abc")
	iface.SetLoopMaxIterations(7)
	iface.SetReasoningEnabled(true)

	assert.Equal(t, "abc", cfg.Device().Serial)
	assert.Equal(t, 7, cfg.Loop().MaxIterations)
	assert.True(t, cfg.Reasoning().Enabled)
}
