package config

import (
	"strings"
	"testing"
	"time"
)

func localConfig() Config {
	return Config{
		App:  AppConfig{Env: "local", Port: 8080},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
}

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalMemoryDefaults(t *testing.T) {
	c := localConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.App.StoreBackend != StoreMemory {
		t.Fatalf("expected memory backend default, got %q", c.App.StoreBackend)
	}
	if c.Dispatch.FallbackServiceTime != 300*time.Second {
		t.Fatalf("expected 300s fallback service time, got %s", c.Dispatch.FallbackServiceTime)
	}
	if c.Dispatch.Tick != time.Second || c.Dispatch.Workers != 4 || c.Dispatch.HistoryWindow != 50 {
		t.Fatalf("unexpected dispatch defaults: %+v", c.Dispatch)
	}
	if c.HasPostgres() {
		t.Fatalf("expected no postgres without DB_HOST")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := localConfig()
	c.DB = DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "callcenter"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_ProductionRequirements(t *testing.T) {
	c := Config{
		App:  AppConfig{Env: "production", Port: 8080},
		DB:   DBConfig{Host: "db", Port: 5432, User: "postgres", Password: "x", Name: "callcenter"},
		Auth: AuthConfig{JWTSecret: "secret"},
	}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected production errors")
	}
	for _, want := range []string{"DB_SSLMODE", "STORE_BACKEND=memory", "JWT_ISSUER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestValidate_RedisBackendNeedsHost(t *testing.T) {
	c := localConfig()
	c.App.StoreBackend = StoreRedis
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "REDIS_HOST") {
		t.Fatalf("expected REDIS_HOST error, got %v", err)
	}
}

func TestLoad_ReadsEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("REDIS_HOST", "localhost")
	t.Setenv("REDIS_PORT", "6379")
	t.Setenv("DISPATCH_TICK", "250ms")
	t.Setenv("TRANSFER_RING_TIMEOUT", "12s")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr() != ":9090" || c.RedisAddr() != "localhost:6379" {
		t.Fatalf("unexpected addrs %q %q", c.HTTPAddr(), c.RedisAddr())
	}
	if c.Dispatch.Tick != 250*time.Millisecond || c.Transfer.RingTimeout != 12*time.Second {
		t.Fatalf("unexpected durations: %+v %+v", c.Dispatch, c.Transfer)
	}
}

func TestLoad_RejectsBadDuration(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("APP_PORT", "9090")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("DISPATCH_TICK", "soon")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DISPATCH_TICK") {
		t.Fatalf("expected DISPATCH_TICK error, got %v", err)
	}
}
