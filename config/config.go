package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradesync  TradesyncConfig  `yaml:"tradesync"`
	API        APIConfig        `yaml:"api"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Cache      CacheConfig      `yaml:"cache"`
	Sync       SyncConfig       `yaml:"sync"`
	Storage    StorageConfig    `yaml:"storage"`
	Conditions ConditionsConfig `yaml:"conditions"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type TradesyncConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        time.Duration        `yaml:"timeout"`
	RequestHistory int                  `yaml:"request_history"`
	DebugEvents    bool                 `yaml:"debug_events"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	BurstSize         int  `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RealtimeConfig struct {
	URL            string        `yaml:"url"`
	MinReconnect   time.Duration `yaml:"min_reconnect"`
	MaxReconnect   time.Duration `yaml:"max_reconnect"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	OutboundBuffer int           `yaml:"outbound_buffer"`
}

type CacheConfig struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	OptimizedTTL      time.Duration `yaml:"optimized_ttl"`
	MaxBytes          int64         `yaml:"max_bytes"`
	EvictFraction     float64       `yaml:"evict_fraction"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	CompressThreshold int           `yaml:"compress_threshold"`
}

type SyncConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	StorageKey string `yaml:"storage_key"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type ConditionsConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	LowBatteryThreshold float64       `yaml:"low_battery_threshold"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

const defaultConfigPath = "config/config.yml"

// envConfigPaths maps environments to their dedicated configuration files.
// A file that does not exist falls back to the requested path.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	if resolved := resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths); resolved != path {
		if _, err := os.Stat(resolved); err == nil {
			path = resolved
		}
	}

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaults()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override backend settings from environment variables if available
	if v := os.Getenv("API_BASE_URL"); v != "" {
		config.API.BaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REALTIME_URL"); v != "" {
		config.Realtime.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		config.Storage.Dir = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaults() Config {
	return Config{
		API: APIConfig{
			Timeout:        30 * time.Second,
			RequestHistory: 100,
		},
		Realtime: RealtimeConfig{
			MinReconnect:   time.Second,
			MaxReconnect:   30 * time.Second,
			BackoffFactor:  2,
			PingInterval:   20 * time.Second,
			WriteTimeout:   5 * time.Second,
			OutboundBuffer: 256,
		},
		Cache: CacheConfig{
			DefaultTTL:        5 * time.Minute,
			OptimizedTTL:      15 * time.Minute,
			MaxBytes:          5 * 1024 * 1024,
			EvictFraction:     0.3,
			SweepInterval:     time.Minute,
			CompressThreshold: 1024,
		},
		Sync: SyncConfig{
			MaxRetries: 3,
			StorageKey: "sync_queue",
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "data",
		},
		Conditions: ConditionsConfig{
			PollInterval:        30 * time.Second,
			LowBatteryThreshold: 0.2,
		},
		Dashboard: DashboardConfig{
			RefreshInterval: 5 * time.Second,
			LogHistory:      200,
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradesync.Name == "" {
		return fmt.Errorf("tradesync.name is required")
	}

	if cfg.Tradesync.Version == "" {
		return fmt.Errorf("tradesync.version is required")
	}

	if cfg.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if cfg.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be greater than 0")
	}
	if cfg.API.RequestHistory <= 0 {
		return fmt.Errorf("api.request_history must be greater than 0")
	}
	if cfg.API.RateLimit.Enabled {
		if cfg.API.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("api.rate_limit.requests_per_second must be greater than 0")
		}
	}

	if cfg.Realtime.URL == "" {
		return fmt.Errorf("realtime.url is required")
	}
	if cfg.Realtime.MinReconnect <= 0 || cfg.Realtime.MaxReconnect < cfg.Realtime.MinReconnect {
		return fmt.Errorf("realtime reconnect bounds are invalid")
	}
	if cfg.Realtime.BackoffFactor < 1 {
		return fmt.Errorf("realtime.backoff_factor must be at least 1")
	}

	if cfg.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be greater than 0")
	}
	if cfg.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be greater than 0")
	}
	if cfg.Cache.EvictFraction <= 0 || cfg.Cache.EvictFraction > 1 {
		return fmt.Errorf("cache.evict_fraction must be in (0, 1]")
	}

	if cfg.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if cfg.Sync.StorageKey == "" {
		return fmt.Errorf("sync.storage_key is required")
	}

	switch cfg.Storage.Backend {
	case "file":
		if cfg.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required when storage.backend is 'file'")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.backend '%s' is invalid", cfg.Storage.Backend)
	}

	return nil
}
