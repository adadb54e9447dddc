// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level, one of debug, info, warn, error (default "info").
//   - NOTIFY_CHANNEL: Postgres LISTEN/NOTIFY channel for flag events
//     (default "flag_events").
//   - SCHEDULE_SWEEP_INTERVAL: how often due scheduled flag changes are
//     applied (default "10s", must be > 0 if set).
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultNotifyChannel         = "flag_events"
	defaultScheduleSweepInterval = 10 * time.Second
	defaultAuthRateLimit         = 10
)

// Config holds the runtime configuration for the togglr server.
type Config struct {
	DatabaseURL           string
	HTTPAddr              string
	LogLevel              string
	NotifyChannel         string
	ScheduleSweepInterval time.Duration
	AuthRateLimit         int
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	scheduleSweepInterval := defaultScheduleSweepInterval
	if value := strings.TrimSpace(os.Getenv("SCHEDULE_SWEEP_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse SCHEDULE_SWEEP_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("SCHEDULE_SWEEP_INTERVAL must be > 0")
		}
		scheduleSweepInterval = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	return Config{
		DatabaseURL:           databaseURL,
		HTTPAddr:              envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		NotifyChannel:         envOrDefault("NOTIFY_CHANNEL", defaultNotifyChannel),
		ScheduleSweepInterval: scheduleSweepInterval,
		AuthRateLimit:         authRateLimit,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
