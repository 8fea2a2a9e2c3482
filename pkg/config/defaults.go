package config

import (
	"time"

	"github.com/usenetsync/usenetsync/internal/bytesize"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/nntp"
)

// Default segmentation geometry. A 750 KB segment yEnc-encodes to just under
// the common server article cap; files under 50 KiB are packed together.
const (
	DefaultSegmentSize   = 768_000
	DefaultPackThreshold = 51_200
	DefaultRedundancy    = 2
)

// GetDefaultConfig returns the complete default configuration. The result
// validates except for the fields that have no sensible default: the server
// list and the target group.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in missing configuration with default values. It is
// safe to call on a partially populated config: only zero values change.
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

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	cfg.Metrics.ApplyDefaults()
	cfg.Database.ApplyDefaults()

	if cfg.Pool.Strategy == "" {
		cfg.Pool.Strategy = string(nntp.RotationRoundRobin)
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 30 * time.Second
	}
	if cfg.Pool.IdleWindow == 0 {
		cfg.Pool.IdleWindow = 5 * time.Minute
	}
	if cfg.Pool.MaxArticlesPerConn == 0 {
		cfg.Pool.MaxArticlesPerConn = 1000
	}
	if cfg.Pool.MaxBytesPerConn == 0 {
		cfg.Pool.MaxBytesPerConn = bytesize.ByteSize(1 << 30)
	}

	if cfg.Segmentation.SegmentSize == 0 {
		cfg.Segmentation.SegmentSize = DefaultSegmentSize
	}
	if cfg.Segmentation.PackThreshold == 0 {
		cfg.Segmentation.PackThreshold = DefaultPackThreshold
	}
	if cfg.Segmentation.RedundancyLevel == 0 {
		cfg.Segmentation.RedundancyLevel = DefaultRedundancy
		cfg.Segmentation.Compression = true
	}

	if cfg.Workers.Indexing == 0 {
		cfg.Workers.Indexing = 4
	}
	if cfg.Workers.Upload == 0 {
		cfg.Workers.Upload = 4
	}
	if cfg.Workers.Download == 0 {
		cfg.Workers.Download = 4
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}

	if cfg.Crypto.ScryptN == 0 {
		cfg.Crypto.ScryptN = crypto.DefaultScryptParams.N
	}
	if cfg.Crypto.ScryptR == 0 {
		cfg.Crypto.ScryptR = crypto.DefaultScryptParams.R
	}
	if cfg.Crypto.ScryptP == 0 {
		cfg.Crypto.ScryptP = crypto.DefaultScryptParams.P
	}
	if cfg.Crypto.PBKDF2Iterations == 0 {
		cfg.Crypto.PBKDF2Iterations = crypto.DefaultPBKDF2Iterations
	}

	if cfg.Publishing.ExpiryDefaultDays == 0 {
		cfg.Publishing.ExpiryDefaultDays = 30
	}
	if cfg.Publishing.MaxShareSizeGB == 0 {
		cfg.Publishing.MaxShareSizeGB = 100
	}
	if cfg.Publishing.MaxDeploymentsPerHour == 0 {
		cfg.Publishing.MaxDeploymentsPerHour = 60
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 72 * time.Hour
	}

	for i := range cfg.Servers {
		if cfg.Servers[i].Port == 0 {
			if cfg.Servers[i].SSL {
				cfg.Servers[i].Port = 563
			} else {
				cfg.Servers[i].Port = 119
			}
		}
		if cfg.Servers[i].MaxConnections == 0 {
			cfg.Servers[i].MaxConnections = 4
		}
	}
}

// ScryptParams converts the configured cost parameters.
func (c *CryptoConfig) ScryptParams() crypto.ScryptParams {
	return crypto.ScryptParams{N: c.ScryptN, R: c.ScryptR, P: c.ScryptP}
}
