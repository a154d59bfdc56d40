package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.BackendPath = "/srv/share"
		cfg.MountPath = "/mnt/cachefs"
		return cfg
	}

	tests := []struct {
		name        string
		mutate      func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:        "missing backend path",
			mutate:      func(c *Config) { c.BackendPath = "" },
			wantErr:     true,
			errContains: "backend_path",
		},
		{
			name:        "missing mount path",
			mutate:      func(c *Config) { c.MountPath = "" },
			wantErr:     true,
			errContains: "mount_path",
		},
		{
			name: "negative ttl exceeds attribute ttl",
			mutate: func(c *Config) {
				c.MetaTTLSeconds = 2
				c.NegTTLSeconds = 5
			},
			wantErr:     true,
			errContains: "neg_ttl_seconds",
		},
		{
			name:        "block size not a power of two",
			mutate:      func(c *Config) { c.BlockSizeBytes = 5000 },
			wantErr:     true,
			errContains: "power of two",
		},
		{
			name:        "block size below minimum",
			mutate:      func(c *Config) { c.BlockSizeBytes = 2048 },
			wantErr:     true,
			errContains: "power of two",
		},
		{
			name:        "negative max cache size",
			mutate:      func(c *Config) { c.MaxCacheSizeBytes = -1 },
			wantErr:     true,
			errContains: "max_cache_size_bytes",
		},
		{
			name: "cache root inside mount point is rejected",
			mutate: func(c *Config) {
				c.MountPath = "/mnt/cachefs"
				c.CacheRoot = "/mnt/cachefs/.cache"
			},
			wantErr:     true,
			errContains: "must not be inside",
		},
		{
			name: "cache root outside mount point is accepted",
			mutate: func(c *Config) {
				c.MountPath = "/mnt/cachefs"
				c.CacheRoot = "/var/cache/cachefs"
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_TTLFallbacks(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5_000_000_000, int(cfg.MetaTTL()))
	assert.Equal(t, 10_000_000_000, int(cfg.DirTTL()))
	assert.Equal(t, 2_000_000_000, int(cfg.NegTTL()))
	assert.Equal(t, 100_000_000, int(cfg.BusyTimeout()))
}
