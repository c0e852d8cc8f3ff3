package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `tradesync:
  name: "TestApp"
  version: "1.0"
api:
  base_url: "https://api.example.test"
realtime:
  url: "wss://stream.example.test/ws"
`

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradesync.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradesync.Name)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("expected default timeout, got %v", cfg.API.Timeout)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("expected default retry ceiling 3, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Cache.EvictFraction != 0.3 {
		t.Errorf("expected default evict fraction 0.3, got %v", cfg.Cache.EvictFraction)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalConfig+`cache:
  default_ttl: 10s
  evict_fraction: 0.5
sync:
  max_retries: 5
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Cache.DefaultTTL != 10*time.Second {
		t.Errorf("unexpected default ttl: %v", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.EvictFraction != 0.5 {
		t.Errorf("unexpected evict fraction: %v", cfg.Cache.EvictFraction)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("unexpected retry ceiling: %d", cfg.Sync.MaxRetries)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://override.example.test")

	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.API.BaseURL != "https://override.example.test" {
		t.Errorf("env override ignored: %s", cfg.API.BaseURL)
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	paths := map[string]string{"production": "config/config.production.yml"}

	t.Setenv("APP_ENV", "prod")
	if got := resolveEnvSpecificPath(defaultConfigPath, defaultConfigPath, paths); got != "config/config.production.yml" {
		t.Errorf("alias not resolved: %s", got)
	}
	// Paths chosen explicitly by the caller are never swapped.
	if got := resolveEnvSpecificPath("custom.yml", defaultConfigPath, paths); got != "custom.yml" {
		t.Errorf("explicit path overridden: %s", got)
	}

	t.Setenv("APP_ENV", "")
	if got := resolveEnvSpecificPath("", defaultConfigPath, paths); got != defaultConfigPath {
		t.Errorf("default path not applied: %s", got)
	}
}

func TestValidateConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing name", func(c *Config) { c.Tradesync.Name = "" }},
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }},
		{"missing realtime url", func(c *Config) { c.Realtime.URL = "" }},
		{"bad evict fraction", func(c *Config) { c.Cache.EvictFraction = 1.5 }},
		{"bad backoff factor", func(c *Config) { c.Realtime.BackoffFactor = 0.5 }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "s3" }},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }},
	}
	for _, tc := range cases {
		cfg := defaults()
		cfg.Tradesync = TradesyncConfig{Name: "t", Version: "1"}
		cfg.API.BaseURL = "https://api.example.test"
		cfg.Realtime.URL = "wss://stream.example.test/ws"
		tc.mutate(&cfg)
		if err := validateConfig(&cfg); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
