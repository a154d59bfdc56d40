package cmd

import (
	"fmt"
	"log/slog"

	cachefs "github.com/akarasulu/cachefs"
	"github.com/akarasulu/cachefs/internal/config"
	"github.com/akarasulu/cachefs/internal/slogutil"
	"github.com/spf13/cobra"
)

var (
	backendPathFlag string
	mountPathFlag   string
	cacheRootFlag   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "mount the cache filesystem and run until unmounted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if backendPathFlag != "" {
			cfg.BackendPath = backendPathFlag
		}
		if mountPathFlag != "" {
			cfg.MountPath = mountPathFlag
		}
		if cacheRootFlag != "" {
			cfg.CacheRoot = cacheRootFlag
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger, leveler := slogutil.SetupLogRotation(cfg.Log)
		if cfg.CacheDebug {
			leveler.SetLevel(slog.LevelDebug)
		}
		return cachefs.Mount(cfg, nil, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&backendPathFlag, "backend", "", "backing directory to present (overrides config)")
	serveCmd.Flags().StringVar(&mountPathFlag, "mount", "", "mountpoint (overrides config)")
	serveCmd.Flags().StringVar(&cacheRootFlag, "cache-root", "", "cache storage directory (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
