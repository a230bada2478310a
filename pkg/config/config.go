// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/surfgate/surfgate/internal/bytesize"
)

// Config is the surfgate configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SURFGATE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the gateway HTTP listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Remote configures the upstream object store connection.
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`

	// Cache configures the on-disk media cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Catalog configures the media catalog database.
	Catalog CatalogConfig `mapstructure:"catalog" yaml:"catalog"`

	// Metrics configures Prometheus instrumentation.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is the output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs go: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Port is the TCP port the gateway listens on.
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535" yaml:"port"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// RemoteConfig configures the upstream object store.
type RemoteConfig struct {
	// Endpoint is the base URL of the upstream REST gateway.
	Endpoint string `mapstructure:"endpoint" validate:"required,url" yaml:"endpoint"`

	// Tokens holds one bearer token per session; the pool size equals
	// the token count.
	// Environment override: SURFGATE_REMOTE_TOKENS (comma-separated).
	Tokens []string `mapstructure:"tokens" validate:"required,min=1,dive,required" yaml:"tokens"`

	// RatePerSecond limits requests per session client side. Zero
	// disables limiting.
	RatePerSecond float64 `mapstructure:"rate_per_second" validate:"gte=0" yaml:"rate_per_second"`

	// Timeout bounds metadata lookups against the upstream.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
}

// CacheConfig configures the on-disk media cache.
type CacheConfig struct {
	// Enabled turns the cache (and with it the populator and the
	// predictor) on or off.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Dir is the cache root directory.
	Dir string `mapstructure:"dir" validate:"required_if=Enabled true" yaml:"dir"`

	// MaxSize is the committed-size budget, accepting human-readable
	// values like "20Gi".
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// IndexDir is the directory of the cache index database. Empty
	// keeps the index in memory, losing it across restarts.
	IndexDir string `mapstructure:"index_dir" yaml:"index_dir"`

	// CleanupInterval is how often the reconciliation pass runs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" validate:"gt=0" yaml:"cleanup_interval"`
}

// CatalogConfig configures the media catalog.
type CatalogConfig struct {
	// Dir is the directory of the catalog database. Empty keeps the
	// catalog in memory.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// MetricsConfig configures Prometheus instrumentation.
type MetricsConfig struct {
	// Enabled turns the /metrics endpoint and instrumentation on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		cfg := GetDefaultConfig()
		applyEnvOnly(v, cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the configuration as YAML. Restricted permissions
// because the file carries session tokens.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file lookup.
// Environment variables use the SURFGATE_ prefix with underscores, for
// example SURFGATE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("SURFGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// applyEnvOnly overlays the handful of environment overrides that matter
// even without a config file, so a containerized deployment can run with
// env vars alone.
func applyEnvOnly(v *viper.Viper, cfg *Config) {
	if endpoint := v.GetString("remote.endpoint"); endpoint != "" {
		cfg.Remote.Endpoint = endpoint
	}
	if tokens := v.GetString("remote.tokens"); tokens != "" {
		cfg.Remote.Tokens = strings.Split(tokens, ",")
	}
	if port := v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom type hooks: ByteSize and
// time.Duration from human-readable strings.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, following
// XDG_CONFIG_HOME with a ~/.config fallback.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "surfgate")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "surfgate")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory (used by init).
func GetConfigDir() string {
	return getConfigDir()
}
