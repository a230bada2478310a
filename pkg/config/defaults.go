package config

import (
	"time"

	"github.com/surfgate/surfgate/internal/bytesize"
)

// Default values applied when the configuration omits them.
const (
	DefaultPort            = 8080
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRemoteTimeout   = 30 * time.Second
	DefaultRatePerSecond   = 4.0
	DefaultCacheMaxSize    = 20 * bytesize.GiB
	DefaultCleanupInterval = 30 * time.Minute
)

// GetDefaultConfig returns a configuration with sensible defaults. The
// remote endpoint and session tokens have no defaults and must be
// provided.
func GetDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Remote: RemoteConfig{
			RatePerSecond: DefaultRatePerSecond,
			Timeout:       DefaultRemoteTimeout,
		},
		Cache: CacheConfig{
			Enabled:         true,
			Dir:             "/var/cache/surfgate",
			MaxSize:         DefaultCacheMaxSize,
			IndexDir:        "/var/cache/surfgate/index",
			CleanupInterval: DefaultCleanupInterval,
		},
		Catalog: CatalogConfig{
			Dir: "/var/lib/surfgate/catalog",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// ApplyDefaults fills zero-valued fields with defaults. Explicit values
// from file or environment are never overwritten.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = DefaultRemoteTimeout
	}

	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = DefaultCacheMaxSize
	}
	if cfg.Cache.CleanupInterval == 0 {
		cfg.Cache.CleanupInterval = DefaultCleanupInterval
	}
}
