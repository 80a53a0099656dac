package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"hostd/internal/memory"
	"hostd/internal/security"
)

// Config holds all hostd configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server   ServerConfig   `yaml:"server"`
	Memory   MemoryConfig   `yaml:"memory"`
	Security SecurityConfig `yaml:"security"`
	Tools    ToolsConfig    `yaml:"tools"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	DrainTimeout string `yaml:"drain_timeout"`
}

// MemoryConfig configures the memory registry quotas and optimization
// thresholds. A zero quota means unlimited.
type MemoryConfig struct {
	GlobalQuota    int64            `yaml:"global_quota_bytes"`
	CategoryQuotas map[string]int64 `yaml:"category_quotas_bytes"`
	AggressiveIdle string           `yaml:"aggressive_idle"`
	BalancedIdle   string           `yaml:"balanced_idle"`
}

// SecurityConfig configures the permission policy and audit log.
type SecurityConfig struct {
	Level         string          `yaml:"level"`
	AuditCapacity int             `yaml:"audit_capacity"`
	Rules         []security.Rule `yaml:"rules"`
}

// ToolsConfig configures tool manifest discovery.
type ToolsConfig struct {
	Dirs  []string `yaml:"dirs"`
	Watch bool     `yaml:"watch"`
}

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Name:    "hostd",
		Version: "0.1.0",
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         7410,
			DrainTimeout: "5s",
		},
		Memory: MemoryConfig{
			GlobalQuota:    256 << 20,
			AggressiveIdle: "1m",
			BalancedIdle:   "5m",
		},
		Security: SecurityConfig{
			Level:         "standard",
			AuditCapacity: 1000,
		},
		Tools: ToolsConfig{
			Dirs:  []string{"tools.d"},
			Watch: true,
		},
		Store: StoreConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(".hostd", "hostd.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults if
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("HOSTD_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("HOSTD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if level := os.Getenv("HOSTD_SECURITY_LEVEL"); level != "" {
		c.Security.Level = level
	}
	if path := os.Getenv("HOSTD_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("HOSTD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// DrainTimeout parses the configured shutdown drain timeout.
func (c *Config) DrainTimeout() time.Duration {
	if d, err := time.ParseDuration(c.Server.DrainTimeout); err == nil && d > 0 {
		return d
	}
	return 5 * time.Second
}

// Thresholds converts the configured idle cutoffs into registry thresholds.
func (c *Config) Thresholds() memory.Thresholds {
	th := memory.DefaultThresholds()
	if d, err := time.ParseDuration(c.Memory.AggressiveIdle); err == nil && d > 0 {
		th.AggressiveIdle = d
	}
	if d, err := time.ParseDuration(c.Memory.BalancedIdle); err == nil && d > 0 {
		th.BalancedIdle = d
	}
	return th
}

// Quotas converts the configured limits into registry quotas. Unknown
// category names were already rejected by Validate.
func (c *Config) Quotas() memory.Quotas {
	q := memory.Quotas{Global: c.Memory.GlobalQuota}
	if len(c.Memory.CategoryQuotas) > 0 {
		q.PerCategory = make(map[memory.Category]int64, len(c.Memory.CategoryQuotas))
		for name, limit := range c.Memory.CategoryQuotas {
			cat, err := memory.ParseCategory(name)
			if err != nil {
				continue
			}
			q.PerCategory[cat] = limit
		}
	}
	return q
}

// SecurityLevel parses the configured level.
func (c *Config) SecurityLevel() (security.Level, error) {
	return security.ParseLevel(c.Security.Level)
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the configuration for inconsistencies that would only
// surface later as runtime faults.
func (c *Config) Validate() error {
	if _, err := security.ParseLevel(c.Security.Level); err != nil {
		return fmt.Errorf("invalid security level: %w", err)
	}
	for name := range c.Memory.CategoryQuotas {
		if _, err := memory.ParseCategory(name); err != nil {
			return fmt.Errorf("invalid quota category %q: %w", name, err)
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if _, err := time.ParseDuration(c.Server.DrainTimeout); c.Server.DrainTimeout != "" && err != nil {
		return fmt.Errorf("invalid drain_timeout: %w", err)
	}
	for _, r := range c.Security.Rules {
		if r.ResourceType == "" || r.Operation == "" {
			return fmt.Errorf("rule missing resource_type or operation")
		}
		if r.Effect != security.EffectAllow && r.Effect != security.EffectDeny {
			return fmt.Errorf("rule effect must be allow or deny, got %q", r.Effect)
		}
	}
	if c.Store.Enabled && c.Store.DatabasePath == "" {
		return fmt.Errorf("store enabled but database_path is empty")
	}
	return nil
}
