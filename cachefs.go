// Package cachefs wires the Backend Adapter, Metadata Store, Block
// Store, Coherence Engine, and Operation Dispatcher into one mounted
// FUSE filesystem. Callers that only need the library surface should
// use Mount; cmd/cachefsd is a thin cobra wrapper around it.
package cachefs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/akarasulu/cachefs/internal/backend"
	"github.com/akarasulu/cachefs/internal/blockstore"
	"github.com/akarasulu/cachefs/internal/coherence"
	"github.com/akarasulu/cachefs/internal/config"
	"github.com/akarasulu/cachefs/internal/dispatcher"
	"github.com/akarasulu/cachefs/internal/metastore"
	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// BackendPath is re-exported so callers embedding cachefs as a library
// never need to import internal/backend directly.
type BackendPath = backend.BackendPath

// IdentityMapper is re-exported for the same reason; callers that need
// UID/GID/mode remapping implement it and pass it to Mount.
type IdentityMapper = dispatcher.IdentityMapper

// Mount creates the cache root named by cfg, builds the Coherence
// Engine and Operation Dispatcher, and mounts the FUSE filesystem at
// cfg.MountPath. The cache stores are not opened here: the dispatcher
// opens them on its first call through initFn, and the Engine runs as
// pass-through until then. It blocks until the mount is unmounted.
//
// identity may be nil, in which case UID/GID/mode pass through
// unchanged. logger may be nil, in which case the Coherence Engine
// logs nothing and the dispatcher server logs to a discarded handler.
func Mount(cfg *config.Config, identity IdentityMapper, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	backendAbs, err := filepath.Abs(cfg.BackendPath)
	if err != nil {
		return fmt.Errorf("resolving backend_path: %w", err)
	}
	mountAbs, err := filepath.Abs(cfg.MountPath)
	if err != nil {
		return fmt.Errorf("resolving mount_path: %w", err)
	}

	cacheRoot, err := cfg.ResolvedCacheRoot(stableHash)
	if err != nil {
		return fmt.Errorf("resolving cache_root: %w", err)
	}
	if err := os.MkdirAll(cacheRoot, 0700); err != nil {
		return fmt.Errorf("creating cache root %s: %w", cacheRoot, err)
	}

	be := backend.New(afero.NewOsFs())
	engine := coherence.New(be, nil, nil, cfg, logger)

	initFn := func() error {
		meta, blocks, err := openStores(cacheRoot, cfg)
		if err != nil {
			return err
		}
		engine.Attach(meta, blocks)
		return nil
	}

	d := dispatcher.New(engine, backendAbs, identity, initFn)
	server := dispatcher.NewServer(mountAbs, d, logger)
	return server.Mount()
}

// stableHash gives every backend path its own cache directory under the
// per-user cache home, the same xxhash fan-out internal/blockstore uses
// for block file names.
func stableHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

func openStores(cacheRoot string, cfg *config.Config) (*metastore.Store, *blockstore.Store, error) {
	meta, err := metastore.Open(filepath.Join(cacheRoot, "metadata.db"), cfg.BusyTimeoutMillis)
	if err != nil {
		return nil, nil, fmt.Errorf("opening metadata store: %w", err)
	}

	blocks, err := blockstore.New(filepath.Join(cacheRoot, "blocks"), int64(cfg.BlockSizeBytes), cfg.MaxCacheSizeBytes)
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("opening block store: %w", err)
	}

	return meta, blocks, nil
}
