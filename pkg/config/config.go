// Package config loads, defaults, validates, and persists the application
// configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (USENETSYNC_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/store"
)

// Config is the complete application configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry tracing and continuous profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains the Prometheus listener configuration.
	Metrics metrics.ServerConfig `mapstructure:"metrics" yaml:"metrics"`

	// Database selects and configures the persistence engine.
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Servers is the ordered list of article servers.
	Servers []nntp.ServerConfig `mapstructure:"servers" yaml:"servers" validate:"required,min=1,dive"`

	// TargetGroup is the default newsgroup articles are posted to.
	TargetGroup string `mapstructure:"target_group" yaml:"target_group" validate:"required"`

	// Pool tunes the connection pool.
	Pool PoolConfig `mapstructure:"pool" yaml:"pool"`

	// Segmentation controls how file content becomes segments.
	Segmentation SegmentationConfig `mapstructure:"segmentation" yaml:"segmentation"`

	// Workers sizes the worker pools.
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`

	// Bandwidth caps transfer rates per direction. Zero means unlimited.
	Bandwidth BandwidthConfig `mapstructure:"bandwidth" yaml:"bandwidth"`

	// Retry is the operation-layer retry policy.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Crypto tunes the key-derivation parameters.
	Crypto CryptoConfig `mapstructure:"crypto" yaml:"crypto"`

	// Publishing bounds share creation.
	Publishing PublishingConfig `mapstructure:"publishing" yaml:"publishing"`

	// Cache configures the local article cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format is text or json.
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// TelemetryConfig controls OpenTelemetry tracing and pyroscope profiling.
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"min=0,max=1"`

	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls continuous profiling.
type ProfilingConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ServerAddress string `mapstructure:"server_address" yaml:"server_address"`
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	Strategy           string        `mapstructure:"strategy" yaml:"strategy"`
	AcquireTimeout     time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	IdleWindow         time.Duration `mapstructure:"idle_window" yaml:"idle_window"`
	MaxArticlesPerConn int64         `mapstructure:"max_articles_per_conn" yaml:"max_articles_per_conn"`
	MaxBytesPerConn    bytesize.ByteSize `mapstructure:"max_bytes_per_conn" yaml:"max_bytes_per_conn"`
}

// SegmentationConfig controls how file content becomes segments.
type SegmentationConfig struct {
	// SegmentSize is the fixed segment size. Accepts human-readable values
	// like "750KB".
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size"`

	// PackThreshold is the size below which files are packed together.
	PackThreshold bytesize.ByteSize `mapstructure:"pack_threshold" yaml:"pack_threshold"`

	// RedundancyLevel is the number of copies posted per logical segment.
	RedundancyLevel int `mapstructure:"redundancy_level" yaml:"redundancy_level" validate:"min=0,max=16"`

	// Compression toggles zlib before encryption.
	Compression bool `mapstructure:"compression" yaml:"compression"`
}

// WorkersConfig sizes the worker pools.
type WorkersConfig struct {
	Indexing int `mapstructure:"indexing" yaml:"indexing" validate:"min=0,max=256"`
	Upload   int `mapstructure:"upload" yaml:"upload" validate:"min=0,max=256"`
	Download int `mapstructure:"download" yaml:"download" validate:"min=0,max=256"`
}

// BandwidthConfig caps transfer rates in Mbps per direction.
type BandwidthConfig struct {
	UploadRateLimitMbps   float64 `mapstructure:"upload_rate_limit_mbps" yaml:"upload_rate_limit_mbps" validate:"min=0"`
	DownloadRateLimitMbps float64 `mapstructure:"download_rate_limit_mbps" yaml:"download_rate_limit_mbps" validate:"min=0"`
}

// UploadBps converts the upload cap to bytes per second.
func (c *BandwidthConfig) UploadBps() int64 {
	return int64(c.UploadRateLimitMbps * 1_000_000 / 8)
}

// DownloadBps converts the download cap to bytes per second.
func (c *BandwidthConfig) DownloadBps() int64 {
	return int64(c.DownloadRateLimitMbps * 1_000_000 / 8)
}

// RetryConfig is the operation-layer retry policy.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0,max=20"`
	BaseDelay  time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
}

// CryptoConfig tunes key derivation.
type CryptoConfig struct {
	ScryptN          int `mapstructure:"scrypt_n" yaml:"scrypt_n"`
	ScryptR          int `mapstructure:"scrypt_r" yaml:"scrypt_r"`
	ScryptP          int `mapstructure:"scrypt_p" yaml:"scrypt_p"`
	PBKDF2Iterations int `mapstructure:"pbkdf2_iterations" yaml:"pbkdf2_iterations"`
}

// PublishingConfig bounds share creation.
type PublishingConfig struct {
	ExpiryDefaultDays     int `mapstructure:"expiry_default_days" yaml:"expiry_default_days" validate:"min=0"`
	MaxShareSizeGB        int `mapstructure:"max_share_size_gb" yaml:"max_share_size_gb" validate:"min=0"`
	MaxDeploymentsPerHour int `mapstructure:"max_deployments_per_hour" yaml:"max_deployments_per_hour" validate:"min=0"`
}

// CacheConfig configures the local article cache.
type CacheConfig struct {
	Path string        `mapstructure:"path" yaml:"path"`
	TTL  time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Load reads configuration from the given path (or the default location when
// empty), applies defaults, and validates.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unknown keys are logged, never fatal, so older binaries tolerate
	// configuration written for newer ones.
	var md mapstructure.Metadata
	var cfg Config
	err = v.Unmarshal(&cfg,
		viper.DecodeHook(configDecodeHooks()),
		func(dc *mapstructure.DecoderConfig) { dc.Metadata = &md },
	)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for _, key := range md.Unused {
		logger.Warn("unknown configuration key ignored", "key", key)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  usenetsync init\n\n"+
				"Or specify a custom config file:\n"+
				"  usenetsync <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  usenetsync init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Restricted permissions: the
// file carries server credentials.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the USENETSYNC_ prefix with underscores.
	// Example: USENETSYNC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("USENETSYNC")
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

// configDecodeHooks combines the decode hooks for custom types: ByteSize and
// time.Duration.
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

// getConfigDir returns $XDG_CONFIG_HOME/usenetsync, or ~/.config/usenetsync.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "usenetsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "usenetsync")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
