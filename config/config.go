// Package config loads relay configuration from the environment, with an
// optional .env file for local development. All variables use the AGENTRELAY_
// prefix; unset variables fall back to production-safe defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	// Addr is the listen address for the WebSocket server.
	Addr string
	// AllowedOrigins restricts upgrade requests; empty allows all.
	AllowedOrigins []string

	// JWTSecret signs and verifies client tokens. Empty switches the server
	// to the unverified static authenticator (development only).
	JWTSecret string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// LogFormat is json or text.
	LogFormat string

	// DedupWindow is the per-run duplicate suppression window.
	DedupWindow int
	// RetryMaxAttempts bounds event delivery attempts.
	RetryMaxAttempts int
	// RetryInitialBackoff is the delay before the second delivery attempt.
	RetryInitialBackoff time.Duration

	// CreateTimeout bounds engine creation (agent resolution).
	CreateTimeout time.Duration
	// ExecutionTimeout bounds a run; zero disables the engine-side deadline.
	ExecutionTimeout time.Duration
	// ShutdownTimeout bounds graceful drain on exit.
	ShutdownTimeout time.Duration

	// TelemetryEnabled gates the OTLP metrics pipeline.
	TelemetryEnabled bool
	// TelemetryEndpoint is the OTLP/HTTP collector host:port.
	TelemetryEndpoint string
	// TelemetryInterval is the metrics export interval.
	TelemetryInterval time.Duration
	// ServiceName labels exported telemetry.
	ServiceName string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present; real environment variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:           envStr("AGENTRELAY_ADDR", ":8080"),
		AllowedOrigins: envList("AGENTRELAY_ALLOWED_ORIGINS", nil),

		JWTSecret: envStr("AGENTRELAY_JWT_SECRET", ""),

		LogLevel:  envStr("AGENTRELAY_LOG_LEVEL", "info"),
		LogFormat: envStr("AGENTRELAY_LOG_FORMAT", "json"),

		DedupWindow:         envInt("AGENTRELAY_DEDUP_WINDOW", 32),
		RetryMaxAttempts:    envInt("AGENTRELAY_RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff: envDuration("AGENTRELAY_RETRY_INITIAL_BACKOFF", 50*time.Millisecond),

		CreateTimeout:    envDuration("AGENTRELAY_CREATE_TIMEOUT", 5*time.Second),
		ExecutionTimeout: envDuration("AGENTRELAY_EXECUTION_TIMEOUT", 0),
		ShutdownTimeout:  envDuration("AGENTRELAY_SHUTDOWN_TIMEOUT", 10*time.Second),

		TelemetryEnabled:  envBool("AGENTRELAY_TELEMETRY_ENABLED", false),
		TelemetryEndpoint: envStr("AGENTRELAY_TELEMETRY_ENDPOINT", "localhost:4318"),
		TelemetryInterval: envDuration("AGENTRELAY_TELEMETRY_INTERVAL", 15*time.Second),
		ServiceName:       envStr("AGENTRELAY_SERVICE_NAME", "agentrelay"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
