// Package config loads server configuration from an optional YAML file and
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/engine"
	"github.com/triage-ai/arbiter/internal/retry"
	"gopkg.in/yaml.v3"
)

const envConfigPath = "ARBITER_CONFIG"

type Config struct {
	HTTPPort       string `yaml:"http_port"`
	GRPCHealthPort string `yaml:"grpc_health_port"`
	PublicURL      string `yaml:"public_url"`
	LogLevel       string `yaml:"log_level"`

	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	RedisURL      string `yaml:"redis_url"`
	NATSURL       string `yaml:"nats_url"`

	SeedFile string `yaml:"seed_file"`

	Storage      StorageConfig      `yaml:"storage"`
	Engine       EngineConfig       `yaml:"engine"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	ListingCache ListingCacheConfig `yaml:"listing_cache"`
}

type StorageConfig struct {
	RetryAttempts    int `yaml:"retry_attempts"`
	RetryBaseMs      int `yaml:"retry_base_ms"`
	MaxDecisionBytes int `yaml:"max_decision_bytes"`
}

type EngineConfig struct {
	DenyActions   []string         `yaml:"deny_actions"`
	ModifyActions []string         `yaml:"modify_actions"`
	Complexity    ComplexityConfig `yaml:"complexity"`
}

type ComplexityConfig struct {
	Moderate int `yaml:"moderate"`
	Complex  int `yaml:"complex"`
}

type MetricsConfig struct {
	Bucket    time.Duration `yaml:"bucket"`
	Retention time.Duration `yaml:"retention"`
}

type ListingCacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:       "8080",
		GRPCHealthPort: "50061",
		LogLevel:       "info",
		Storage: StorageConfig{
			RetryAttempts:    3,
			RetryBaseMs:      50,
			MaxDecisionBytes: decisionlog.DefaultMaxDecisionBytes,
		},
		Engine: EngineConfig{
			Complexity: ComplexityConfig{Moderate: 3, Complex: 10},
		},
		Metrics: MetricsConfig{
			Bucket:    time.Minute,
			Retention: 24 * time.Hour,
		},
		ListingCache: ListingCacheConfig{TTL: 5 * time.Minute},
	}
}

// Load reads the file named by ARBITER_CONFIG, if set, over the defaults and
// then applies environment overrides. A missing or malformed file is an error;
// malformed numeric env values are ignored.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(envConfigPath); path != "" {
		// #nosec G304 -- config path is operator-provided.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = envOrDefault("ARBITER_HTTP_PORT", c.HTTPPort)
	c.GRPCHealthPort = envOrDefault("ARBITER_GRPC_HEALTH_PORT", c.GRPCHealthPort)
	c.PublicURL = envOrDefault("ARBITER_PUBLIC_URL", c.PublicURL)
	c.LogLevel = envOrDefault("ARBITER_LOG_LEVEL", c.LogLevel)

	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.NATSURL = envOrDefault("NATS_URL", c.NATSURL)
	c.SeedFile = envOrDefault("ARBITER_SEED_FILE", c.SeedFile)

	c.Storage.RetryAttempts = envOrDefaultInt("ARBITER_STORAGE_RETRY_ATTEMPTS", c.Storage.RetryAttempts)
	c.Storage.RetryBaseMs = envOrDefaultInt("ARBITER_STORAGE_RETRY_BASE_MS", c.Storage.RetryBaseMs)
	c.Storage.MaxDecisionBytes = envOrDefaultInt("ARBITER_MAX_DECISION_BYTES", c.Storage.MaxDecisionBytes)

	c.Engine.DenyActions = envOrDefaultList("ARBITER_DENY_ACTIONS", c.Engine.DenyActions)
	c.Engine.ModifyActions = envOrDefaultList("ARBITER_MODIFY_ACTIONS", c.Engine.ModifyActions)

	c.Metrics.Bucket = envOrDefaultDuration("ARBITER_METRICS_BUCKET", c.Metrics.Bucket)
	c.Metrics.Retention = envOrDefaultDuration("ARBITER_METRICS_RETENTION", c.Metrics.Retention)

	ttl := envOrDefaultInt("ARBITER_LISTING_CACHE_TTL_S", int(c.ListingCache.TTL/time.Second))
	c.ListingCache.TTL = time.Duration(ttl) * time.Second
}

// RetryPolicy returns the storage retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	if c.Storage.RetryAttempts > 0 {
		p.Attempts = c.Storage.RetryAttempts
	}
	if c.Storage.RetryBaseMs > 0 {
		p.Base = time.Duration(c.Storage.RetryBaseMs) * time.Millisecond
	}
	return p
}

// EngineConfig returns the rule engine configuration. Empty action lists keep
// the built-in classification.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		DenyActions:         c.Engine.DenyActions,
		ModifyActions:       c.Engine.ModifyActions,
		ModerateMaxPolicies: c.Engine.Complexity.Moderate,
		ComplexMaxPolicies:  c.Engine.Complexity.Complex,
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

// envOrDefaultList reads a comma-separated list.
func envOrDefaultList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
