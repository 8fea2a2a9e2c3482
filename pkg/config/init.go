package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// sampleConfig is the commented template written by `usenetsync init`.
const sampleConfig = `# UsenetSync configuration
#
# Every key can be overridden with an environment variable:
#   USENETSYNC_<SECTION>_<KEY>, e.g. USENETSYNC_LOGGING_LEVEL=DEBUG

logging:
  level: INFO          # DEBUG, INFO, WARN, ERROR
  format: text         # text or json
  output: stdout       # stdout, stderr, or a file path

# Article servers, tried in order. Priority matters for the weighted and
# failover rotation strategies (lower is preferred).
servers:
  - host: news.example.com
    port: 563
    ssl: true
    username: your-username
    password: your-password
    max_connections: 8
    priority: 1

# Newsgroup articles are posted to.
target_group: alt.binaries.backup

pool:
  strategy: round_robin   # round_robin, weighted, health_first, failover
  acquire_timeout: 30s
  idle_window: 5m
  max_articles_per_conn: 1000
  max_bytes_per_conn: 1GB

segmentation:
  segment_size: 750KB     # plaintext bytes per segment
  pack_threshold: 50KB    # files below this are packed together
  redundancy_level: 2     # independent copies posted per segment
  compression: true       # zlib before encryption

workers:
  indexing: 4
  upload: 4
  download: 4

# Transfer caps in Mbps; 0 means unlimited.
bandwidth:
  upload_rate_limit_mbps: 0
  download_rate_limit_mbps: 0

retry:
  max_retries: 3
  base_delay: 1s

database:
  type: sqlite            # sqlite (embedded) or postgres
  sqlite:
    path: ""              # default: $XDG_DATA_HOME/usenetsync/usenetsync.db
  # postgres:
  #   host: localhost
  #   port: 5432
  #   database: usenetsync
  #   user: usenetsync
  #   password: secret

crypto:
  scrypt_n: 16384
  scrypt_r: 8
  scrypt_p: 1
  pbkdf2_iterations: 100000

publishing:
  expiry_default_days: 30
  max_share_size_gb: 100
  max_deployments_per_hour: 60

cache:
  path: ""                # default: in-memory
  ttl: 72h

metrics:
  enabled: false
  port: 9090
  path: /metrics

telemetry:
  enabled: false
  endpoint: localhost:4317
  sample_rate: 1.0
  profiling:
    enabled: false
    server_address: http://localhost:4040
`

// InitConfig writes the sample configuration to the default location.
// Returns the path written. Refuses to overwrite unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes the sample configuration to an explicit path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// 0600: the file carries server credentials.
	if err := os.WriteFile(path, []byte(sampleConfig), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
