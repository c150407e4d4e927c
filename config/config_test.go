package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 32, cfg.DedupWindow)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInitialBackoff)
	assert.Equal(t, 5*time.Second, cfg.CreateTimeout)
	assert.Equal(t, time.Duration(0), cfg.ExecutionTimeout)
	assert.False(t, cfg.TelemetryEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AGENTRELAY_ADDR", ":9999")
	t.Setenv("AGENTRELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("AGENTRELAY_LOG_LEVEL", "debug")
	t.Setenv("AGENTRELAY_DEDUP_WINDOW", "64")
	t.Setenv("AGENTRELAY_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("AGENTRELAY_RETRY_INITIAL_BACKOFF", "100ms")
	t.Setenv("AGENTRELAY_EXECUTION_TIMEOUT", "2m")
	t.Setenv("AGENTRELAY_TELEMETRY_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 64, cfg.DedupWindow)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInitialBackoff)
	assert.Equal(t, 2*time.Minute, cfg.ExecutionTimeout)
	assert.True(t, cfg.TelemetryEnabled)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("AGENTRELAY_DEDUP_WINDOW", "not-a-number")
	t.Setenv("AGENTRELAY_RETRY_INITIAL_BACKOFF", "soon")
	t.Setenv("AGENTRELAY_TELEMETRY_ENABLED", "maybe")

	cfg := Load()
	assert.Equal(t, 32, cfg.DedupWindow)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInitialBackoff)
	assert.False(t, cfg.TelemetryEnabled)
}
