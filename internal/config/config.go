// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the engine exposes. Defaults match field
// deployments; all values can be overridden via CUSTODY_* variables.
type Config struct {
	// DataDir is where the SQLite database and device key live.
	DataDir string `env:"CUSTODY_DATA_DIR" envDefault:"./data"`

	// RemoteURL is the base URL of the remote custody authority.
	RemoteURL string `env:"CUSTODY_REMOTE_URL" envDefault:"http://localhost:8080"`

	// RequestTimeout bounds a single remote call. Timeouts count as
	// transient failures, never as acknowledgements.
	RequestTimeout time.Duration `env:"CUSTODY_REQUEST_TIMEOUT" envDefault:"15s"`

	// SyncInterval is the periodic sync cadence while online.
	SyncInterval time.Duration `env:"CUSTODY_SYNC_INTERVAL" envDefault:"5m"`

	// RetryCeiling is the transient-failure count after which an operation
	// escalates to a manual-override conflict.
	RetryCeiling int `env:"CUSTODY_RETRY_CEILING" envDefault:"8"`

	// BackoffBase and BackoffCap bound the retry delay curve.
	BackoffBase time.Duration `env:"CUSTODY_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap  time.Duration `env:"CUSTODY_BACKOFF_CAP" envDefault:"5m"`

	// MaxProofDepth bounds accepted Merkle proofs; longer proofs are
	// rejected before any hashing happens.
	MaxProofDepth int `env:"CUSTODY_MAX_PROOF_DEPTH" envDefault:"32"`

	// DeviceKeyFile holds the sealed device signing key. Relative paths
	// resolve under DataDir.
	DeviceKeyFile string `env:"CUSTODY_DEVICE_KEY_FILE" envDefault:"device.key"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `env:"CUSTODY_LOG_LEVEL" envDefault:"INFO"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.RetryCeiling < 1 {
		return fmt.Errorf("retry ceiling must be at least 1, got %d", c.RetryCeiling)
	}
	if c.MaxProofDepth < 1 {
		return fmt.Errorf("max proof depth must be at least 1, got %d", c.MaxProofDepth)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff window [%v, %v] is invalid", c.BackoffBase, c.BackoffCap)
	}
	return nil
}
