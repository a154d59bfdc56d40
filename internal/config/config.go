// Package config holds the mount-time configuration for cachefs: TTLs,
// cache sizing, and the paths that tie a mount to its backend and cache
// root. It is loaded once at startup (lazily consumed by cachefs.Mount)
// and passed explicitly to every component. There is no package-level
// mutable state here, unlike the global settings singletons this design
// replaces (see SPEC_FULL.md §9).
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for one cachefs mount.
type Config struct {
	// BackendPath is the canonical absolute path of the backing directory.
	BackendPath string `yaml:"backend_path" mapstructure:"backend_path"`

	// MountPath is where the FUSE filesystem is mounted.
	MountPath string `yaml:"mount_path" mapstructure:"mount_path"`

	// CacheRoot is where metadata.db and blocks/ are stored. Defaults to
	// a per-user directory keyed by a hash of BackendPath when empty.
	CacheRoot string `yaml:"cache_root" mapstructure:"cache_root"`

	MetaTTLSeconds     int  `yaml:"meta_ttl_seconds" mapstructure:"meta_ttl_seconds"`
	DirTTLSeconds      int  `yaml:"dir_ttl_seconds" mapstructure:"dir_ttl_seconds"`
	NegTTLSeconds      int  `yaml:"neg_ttl_seconds" mapstructure:"neg_ttl_seconds"`
	BlockSizeBytes     int  `yaml:"block_size_bytes" mapstructure:"block_size_bytes"`
	MaxCacheSizeBytes  int64 `yaml:"max_cache_size_bytes" mapstructure:"max_cache_size_bytes"`
	BusyTimeoutMillis  int  `yaml:"busy_timeout_millis" mapstructure:"busy_timeout_millis"`
	CacheDebug         bool `yaml:"cache_debug" mapstructure:"cache_debug"`
	DisableAttrCache   bool `yaml:"disable_attr_cache" mapstructure:"disable_attr_cache"`

	Log LogConfig `yaml:"log" mapstructure:"log"`
}

// LogConfig configures structured logging, mirroring the dual
// console/rotating-file setup in internal/slogutil.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a config with the defaults named in spec §6.
func DefaultConfig() *Config {
	return &Config{
		MetaTTLSeconds:    5,
		DirTTLSeconds:     10,
		NegTTLSeconds:     2,
		BlockSizeBytes:    262144,
		MaxCacheSizeBytes: 0,
		BusyTimeoutMillis: 100,
		CacheDebug:        false,
		DisableAttrCache:  false,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from file and merges with defaults,
// following the teacher's viper-based LoadConfig/DefaultConfig split.
func LoadConfig(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("cachefs")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if configFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil, fmt.Errorf("no configuration file found: use --config or create cachefs.yaml")
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency, including
// the §9 Open Question resolution: the cache root must never sit inside
// the mount point, or the mount would try to serve its own cache files.
func (c *Config) Validate() error {
	if c.BackendPath == "" {
		return fmt.Errorf("backend_path cannot be empty")
	}
	if c.MountPath == "" {
		return fmt.Errorf("mount_path cannot be empty")
	}

	if c.NegTTLSeconds > c.MetaTTLSeconds {
		return fmt.Errorf("neg_ttl_seconds (%d) must be <= meta_ttl_seconds (%d)", c.NegTTLSeconds, c.MetaTTLSeconds)
	}

	if c.BlockSizeBytes < 4096 || c.BlockSizeBytes&(c.BlockSizeBytes-1) != 0 {
		return fmt.Errorf("block_size_bytes must be a power of two >= 4096, got %d", c.BlockSizeBytes)
	}

	if c.MaxCacheSizeBytes < 0 {
		return fmt.Errorf("max_cache_size_bytes must be >= 0")
	}

	if c.CacheRoot != "" {
		mount, err := filepath.Abs(c.MountPath)
		if err != nil {
			return fmt.Errorf("resolving mount_path: %w", err)
		}
		root, err := filepath.Abs(c.CacheRoot)
		if err != nil {
			return fmt.Errorf("resolving cache_root: %w", err)
		}
		rel, err := filepath.Rel(mount, root)
		if err == nil && isDescendant(rel) {
			return fmt.Errorf("cache_root (%s) must not be inside mount_path (%s)", root, mount)
		}
	}

	return nil
}

// isDescendant reports whether rel (the result of filepath.Rel(mount, root))
// places root at or inside mount: either the same directory (".") or
// reached without ever climbing out of it (no leading "..").
func isDescendant(rel string) bool {
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// MetaTTL returns the attribute-record TTL as a duration, falling back
// to the spec default when unset.
func (c *Config) MetaTTL() time.Duration {
	if c.MetaTTLSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MetaTTLSeconds) * time.Second
}

// DirTTL returns the directory-listing TTL as a duration.
func (c *Config) DirTTL() time.Duration {
	if c.DirTTLSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.DirTTLSeconds) * time.Second
}

// NegTTL returns the negative-entry TTL as a duration.
func (c *Config) NegTTL() time.Duration {
	if c.NegTTLSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.NegTTLSeconds) * time.Second
}

// BusyTimeout returns the SQLite busy_timeout as a duration.
func (c *Config) BusyTimeout() time.Duration {
	if c.BusyTimeoutMillis <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.BusyTimeoutMillis) * time.Millisecond
}

// ResolvedCacheRoot returns CacheRoot, or a per-user directory keyed by a
// stable hash of BackendPath when CacheRoot is empty.
func (c *Config) ResolvedCacheRoot(hashFn func(string) string) (string, error) {
	if c.CacheRoot != "" {
		return c.CacheRoot, nil
	}
	abs, err := filepath.Abs(c.BackendPath)
	if err != nil {
		return "", fmt.Errorf("resolving backend_path: %w", err)
	}
	home, err := userCacheHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "cachefs", hashFn(abs)), nil
}
