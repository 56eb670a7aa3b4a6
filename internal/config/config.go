// Package config loads aegis's process configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults, overridable per key via file or environment.
const (
	DefaultMaxConcurrency     = 10
	DefaultPerToolTimeoutMs   = 30_000
	DefaultRunTimeoutMs       = 60_000
	DefaultCacheTTLSec        = 24 * 60 * 60
	DefaultWorkspacesDir      = "/var/lib/aegis/workspaces"
	DefaultWorkspaceTimeoutMs = 5 * 60 * 1000
)

// Config is the complete aegis process configuration.
type Config struct {
	MaxConcurrency   int             `yaml:"max_concurrency"`
	PerToolTimeout   time.Duration   `yaml:"per_tool_timeout"`
	RunTimeout       time.Duration   `yaml:"run_timeout"`
	CacheTTL         time.Duration   `yaml:"cache_ttl"`
	WorkspacesDir    string          `yaml:"workspaces_dir"`
	WorkspaceTimeout time.Duration   `yaml:"workspace_timeout"`
	EnabledTools     map[string]bool `yaml:"enabled_tools"`

	Storage  StorageConfig  `yaml:"storage"`
	EventBus EventBusConfig `yaml:"event_bus"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// StorageConfig configures the SQLite-backed cache/schedule store.
type StorageConfig struct {
	DSN string `yaml:"dsn"`
}

// EventBusConfig configures the scheduler<->webhook decoupling transport.
type EventBusConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig configures the webhook handler's listener.
type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	JWTSigningKey string `yaml:"jwt_signing_key"`
}

// Default returns the built-in defaults, before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		MaxConcurrency:   DefaultMaxConcurrency,
		PerToolTimeout:   DefaultPerToolTimeoutMs * time.Millisecond,
		RunTimeout:       DefaultRunTimeoutMs * time.Millisecond,
		CacheTTL:         DefaultCacheTTLSec * time.Second,
		WorkspacesDir:    DefaultWorkspacesDir,
		WorkspaceTimeout: DefaultWorkspaceTimeoutMs * time.Millisecond,
		EnabledTools:     map[string]bool{},
		Storage:          StorageConfig{DSN: "aegis.db"},
		EventBus:         EventBusConfig{URL: "nats://localhost:4222"},
		HTTP:             HTTPConfig{Addr: ":8080"},
	}
}

// Load reads defaults, merges a YAML file if path is non-empty, then applies
// environment variable overrides (defaults -> file -> env).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides applies the well-known environment keys, plus per-tool
// ENABLE_<TOOLID> flags.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("MAX_CONCURRENCY"); ok {
		cfg.MaxConcurrency = v
	}
	if v, ok := envDurationMs("PER_TOOL_TIMEOUT_MS"); ok {
		cfg.PerToolTimeout = v
	}
	if v, ok := envDurationMs("RUN_TIMEOUT_MS"); ok {
		cfg.RunTimeout = v
	}
	if v, ok := envInt("CACHE_TTL_SEC"); ok {
		cfg.CacheTTL = time.Duration(v) * time.Second
	}
	if v := os.Getenv("WORKSPACES_DIR"); v != "" {
		cfg.WorkspacesDir = v
	}
	if v, ok := envDurationMs("WORKSPACE_TIMEOUT_MS"); ok {
		cfg.WorkspaceTimeout = v
	}

	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if toolID, ok := strings.CutPrefix(parts[0], "ENABLE_"); ok {
			enabled, err := strconv.ParseBool(parts[1])
			if err == nil {
				cfg.EnabledTools[strings.ToLower(toolID)] = enabled
			}
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDurationMs(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// ToolEnabled reports whether toolID is enabled, defaulting to true when no
// ENABLE_<TOOLID> flag was set.
func (c *Config) ToolEnabled(toolID string) bool {
	enabled, ok := c.EnabledTools[strings.ToLower(toolID)]
	if !ok {
		return true
	}
	return enabled
}
