// Package config loads server settings from flags, environment and an
// optional YAML file through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. HYBRIDFS_REPOSITORY or
// HYBRIDFS_NETWORK_BACKEND.
const EnvPrefix = "HYBRIDFS"

// Network backends.
const (
	BackendKubo = "kubo"
	BackendCLI  = "cli"
	BackendOCI  = "oci"
	BackendNone = "none"
)

// Config holds all settings of the server and CLI.
type Config struct {
	Listen           string        `mapstructure:"listen"`
	Repository       string        `mapstructure:"repository"`
	CacheDir         string        `mapstructure:"cache_dir"`
	DefaultBranch    string        `mapstructure:"default_branch"`
	DefaultRepo      string        `mapstructure:"default_repo"`
	Manifest         string        `mapstructure:"manifest"`
	Timeout          time.Duration `mapstructure:"timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxFetchDuration time.Duration `mapstructure:"max_fetch_duration"`
	Network          Network       `mapstructure:"network"`
	Log              Log           `mapstructure:"log"`
}

// Network selects and configures the content network.
type Network struct {
	Backend     string `mapstructure:"backend"`
	KuboAPI     string `mapstructure:"kubo_api"`
	IPFSBinary  string `mapstructure:"ipfs_bin"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Concurrency int    `mapstructure:"concurrency"`
}

// Log configures the global logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers every key with its default and enables
// environment overrides.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("repository", "")
	v.SetDefault("cache_dir", DefaultCacheDir())
	v.SetDefault("default_branch", "main")
	v.SetDefault("default_repo", "")
	v.SetDefault("manifest", "manifest.yaml")
	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("poll_interval", 100*time.Millisecond)
	v.SetDefault("max_fetch_duration", 2*time.Minute)
	v.SetDefault("network.backend", BackendKubo)
	v.SetDefault("network.kubo_api", "http://127.0.0.1:5001")
	v.SetDefault("network.ipfs_bin", "ipfs")
	v.SetDefault("network.username", "")
	v.SetDefault("network.password", "")
	v.SetDefault("network.concurrency", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.Network.Backend {
	case BackendKubo, BackendCLI, BackendOCI, BackendNone:
	default:
		errs = append(errs, fmt.Errorf("network.backend: unknown backend %q", c.Network.Backend))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.PollInterval > c.Timeout {
		errs = append(errs, fmt.Errorf("poll_interval %s exceeds timeout %s", c.PollInterval, c.Timeout))
	}
	return errors.Join(errs...)
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hybridfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "hybridfs")
	}
	return ".hybridfs"
}

// DefaultCacheDir returns the default disk cache root.
func DefaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "hybridfs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "hybridfs")
	}
	return ".hybridfs"
}
