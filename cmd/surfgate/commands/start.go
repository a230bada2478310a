package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/cache/index"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/config"
	"github.com/surfgate/surfgate/pkg/metrics"
	"github.com/surfgate/surfgate/pkg/predict"
	"github.com/surfgate/surfgate/pkg/remote/httpremote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/server"
	"github.com/surfgate/surfgate/pkg/stream"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the surfgate gateway",
	Long: `Start the streaming gateway with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/surfgate/config.yaml.

Examples:
  # Start with default config location
  surfgate start

  # Start with custom config file
  surfgate start --config /etc/surfgate/config.yaml

  # Start with environment variable overrides
  SURFGATE_LOGGING_LEVEL=DEBUG surfgate start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Metrics come first so the constructors below see an enabled registry.
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Metrics enabled")
	} else {
		logger.Info("Metrics collection disabled")
	}

	remoteClient, err := httpremote.New(httpremote.Config{
		Endpoint:      cfg.Remote.Endpoint,
		Tokens:        cfg.Remote.Tokens,
		RatePerSecond: cfg.Remote.RatePerSecond,
		Timeout:       cfg.Remote.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}

	sessions, err := pool.New(len(cfg.Remote.Tokens), metrics.NewPoolMetrics())
	if err != nil {
		return fmt.Errorf("failed to create session pool: %w", err)
	}
	logger.Info("Session pool ready", "sessions", sessions.Len())

	streams := stream.New(remoteClient, sessions)

	cat, err := openCatalog(cfg)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Error("catalog close error", "error", err)
		}
	}()

	deps := server.Deps{
		Remote:  remoteClient,
		Pool:    sessions,
		Streams: streams,
		Catalog: cat,
		Metrics: metrics.NewStreamMetrics(),
	}
	if metrics.IsEnabled() {
		deps.MetricsHandler = metrics.Handler()
	}

	cleanup := cron.New()
	if cfg.Cache.Enabled {
		idx, err := openCacheIndex(cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache index: %w", err)
		}
		defer func() {
			if err := idx.Close(); err != nil {
				logger.Error("cache index close error", "error", err)
			}
		}()

		cacheMetrics := metrics.NewCacheMetrics()
		store, err := cache.NewStore(cache.Config{
			Dir:      cfg.Cache.Dir,
			MaxBytes: int64(cfg.Cache.MaxSize),
		}, idx, cacheMetrics.Store())
		if err != nil {
			return fmt.Errorf("failed to create cache store: %w", err)
		}

		populator := cache.NewPopulator(store, remoteClient, sessions, streams, cacheMetrics.Populator())
		defer populator.Shutdown()

		deps.Cache = store
		deps.Populator = populator
		deps.Predictor = predict.New(cat, populator, sessions)

		logger.Info("Cache enabled",
			"dir", cfg.Cache.Dir,
			"max_size", cfg.Cache.MaxSize.String(),
			"cleanup_interval", cfg.Cache.CleanupInterval)

		cleanup.Schedule(cron.Every(cfg.Cache.CleanupInterval), cron.FuncJob(func() {
			if _, err := store.Cleanup(ctx); err != nil {
				logger.Error("cache cleanup failed", "error", err)
			}
		}))
		cleanup.Start()
		defer cleanup.Stop()
	} else {
		logger.Info("Cache disabled")
	}

	srv := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, deps)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Gateway is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Gateway shutdown error", "error", err)
			return err
		}
		logger.Info("Gateway stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Gateway error", "error", err)
			return err
		}
		logger.Info("Gateway stopped")
	}

	return nil
}

// openCatalog opens the persistent catalog when a directory is
// configured, otherwise an in-memory one.
func openCatalog(cfg *config.Config) (catalog.Catalog, error) {
	if cfg.Catalog.Dir == "" {
		logger.Warn("catalog directory not set, using in-memory catalog")
		return catalog.NewMemoryCatalog(), nil
	}
	return catalog.NewBadgerCatalog(cfg.Catalog.Dir)
}

// openCacheIndex opens the persistent cache index when a directory is
// configured. An in-memory index forgets all entries across restarts,
// so cached files are re-downloaded until cleanup removes them.
func openCacheIndex(cfg *config.Config) (index.Index, error) {
	if cfg.Cache.IndexDir == "" {
		logger.Warn("cache index directory not set, using in-memory index")
		return index.NewMemoryIndex(), nil
	}
	return index.NewBadgerIndex(cfg.Cache.IndexDir)
}
