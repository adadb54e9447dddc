package config

import (
	"testing"
	"time"
)

func TestLoad_RequiredDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail when DATABASE_URL is empty")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("NOTIFY_CHANNEL", "")
	t.Setenv("SCHEDULE_SWEEP_INTERVAL", "")
	t.Setenv("AUTH_RATE_LIMIT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.NotifyChannel != "flag_events" {
		t.Errorf("NotifyChannel = %q, want flag_events", cfg.NotifyChannel)
	}
	if cfg.ScheduleSweepInterval != 10*time.Second {
		t.Errorf("ScheduleSweepInterval = %v, want 10s", cfg.ScheduleSweepInterval)
	}
	if cfg.AuthRateLimit != 10 {
		t.Errorf("AuthRateLimit = %d, want 10", cfg.AuthRateLimit)
	}
}

func TestLoad_ScheduleSweepInterval_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCHEDULE_SWEEP_INTERVAL", "not-a-duration")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for invalid SCHEDULE_SWEEP_INTERVAL")
	}
}

func TestLoad_ScheduleSweepInterval_Zero(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCHEDULE_SWEEP_INTERVAL", "0s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for zero SCHEDULE_SWEEP_INTERVAL")
	}
}

func TestLoad_ScheduleSweepInterval_Negative(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCHEDULE_SWEEP_INTERVAL", "-1s")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for negative SCHEDULE_SWEEP_INTERVAL")
	}
}

func TestLoad_AuthRateLimit_Invalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("AUTH_RATE_LIMIT", "lots")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for non-numeric AUTH_RATE_LIMIT")
	}
}

func TestLoad_AuthRateLimit_Zero(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("AUTH_RATE_LIMIT", "0")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() should fail for zero AUTH_RATE_LIMIT")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("HTTP_ADDR", ":3000")
	t.Setenv("NOTIFY_CHANNEL", "togglr_events")
	t.Setenv("SCHEDULE_SWEEP_INTERVAL", "5s")
	t.Setenv("AUTH_RATE_LIMIT", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != ":3000" {
		t.Errorf("HTTPAddr = %q, want :3000", cfg.HTTPAddr)
	}
	if cfg.NotifyChannel != "togglr_events" {
		t.Errorf("NotifyChannel = %q, want togglr_events", cfg.NotifyChannel)
	}
	if cfg.ScheduleSweepInterval != 5*time.Second {
		t.Errorf("ScheduleSweepInterval = %v, want 5s", cfg.ScheduleSweepInterval)
	}
	if cfg.AuthRateLimit != 25 {
		t.Errorf("AuthRateLimit = %d, want 25", cfg.AuthRateLimit)
	}
}

func TestEnvOrDefault_EmptyReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_WhitespaceReturnsDefault(t *testing.T) {
	t.Setenv("TEST_KEY", "   ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "fallback" {
		t.Errorf("envOrDefault() = %q, want %q", got, "fallback")
	}
}

func TestEnvOrDefault_ValueReturnsValue(t *testing.T) {
	t.Setenv("TEST_KEY", " value ")
	got := envOrDefault("TEST_KEY", "fallback")
	if got != "value" {
		t.Errorf("envOrDefault() = %q, want %q", got, "value")
	}
}
