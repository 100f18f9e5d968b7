package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	config, err := ReadConfig(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected default file to be written: %v", statErr)
	}
	if config.Connection.MaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", config.Connection.MaxAttempts)
	}

	again, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("second read should succeed, got %v", err)
	}
	if again.Store.Driver != "bolt" {
		t.Fatalf("expected bolt driver, got %s", again.Store.Driver)
	}
}

func TestReadConfigEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"store":{"driver":"memory","max_attempts":3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("CACHE_PINNED", "coffee-static-v1,coffee-offline")

	config, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Connection.MaxAttempts != 7 {
		t.Fatalf("expected env override 7, got %d", config.Connection.MaxAttempts)
	}
	if config.Store.Driver != "memory" || config.Store.MaxAttempts != 3 {
		t.Fatalf("file values lost: %+v", config.Store)
	}
	if len(config.Cache.Pinned) != 2 || config.Cache.Pinned[1] != "coffee-offline" {
		t.Fatalf("unexpected pinned list %v", config.Cache.Pinned)
	}
	if config.BaseDelay() != time.Second {
		t.Fatalf("expected 1s base delay, got %v", config.BaseDelay())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero attempts", func(c *Config) { c.Connection.MaxAttempts = 0 }},
		{"bad jitter", func(c *Config) { c.Connection.Jitter = 1.5 }},
		{"bad store", func(c *Config) { c.Store.Driver = "redis" }},
		{"bad cache", func(c *Config) { c.Cache.Driver = "disk" }},
		{"http realtime", func(c *Config) { c.Server.RealtimeURL = "http://localhost/ws" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}
