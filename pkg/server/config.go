package server

import (
	"github.com/kneelinghorse/semantext-hub/pkg/errors"
	"github.com/kneelinghorse/semantext-hub/pkg/oplock"
	"github.com/kneelinghorse/semantext-hub/pkg/provenance"
)

// RateLimitConfig bounds request rates per client IP over a sliding window.
type RateLimitConfig struct {
	// WindowMS is the window length in milliseconds.
	WindowMS int `json:"windowMs" mapstructure:"window_ms"`

	// Max is the number of requests admitted per window.
	Max int `json:"max" mapstructure:"max"`
}

// Config holds the runtime settings of the registry service.
type Config struct {
	// Address is the host:port to listen on.
	Address string `mapstructure:"address"`

	// APIKey is the opaque key clients present in X-API-Key. Required.
	APIKey string `mapstructure:"api_key"`

	// BaseDir is the root for file persistence.
	BaseDir string `mapstructure:"base_dir"`

	// DBPath is the SQLite database path.
	DBPath string `mapstructure:"db_path"`

	// RateLimit is the per-IP sliding-window rate limit.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// JSONLimit caps request body size in bytes.
	JSONLimit int64 `mapstructure:"json_limit"`

	// RequireProvenance rejects PUTs without a valid attestation with 422.
	RequireProvenance bool `mapstructure:"require_provenance"`

	// ProvenanceKeys is the trusted verification key set.
	ProvenanceKeys []provenance.Key `mapstructure:"provenance_keys"`

	// Retry tunes optimistic-lock retries on lifecycle transitions.
	Retry oplock.RetryConfig `mapstructure:"retry"`

	// Debug enables debug logging.
	Debug bool `mapstructure:"debug"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Address:   "127.0.0.1:8787",
		BaseDir:   "data/registry",
		DBPath:    "data/registry.db",
		RateLimit: RateLimitConfig{WindowMS: 60_000, Max: 120},
		JSONLimit: 1 << 20,
	}
}

// Validate fills defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.NewValidationError("api key is required", nil)
	}
	def := DefaultConfig()
	if c.Address == "" {
		c.Address = def.Address
	}
	if c.BaseDir == "" {
		c.BaseDir = def.BaseDir
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.RateLimit.WindowMS <= 0 {
		c.RateLimit.WindowMS = def.RateLimit.WindowMS
	}
	if c.RateLimit.Max <= 0 {
		c.RateLimit.Max = def.RateLimit.Max
	}
	if c.JSONLimit <= 0 {
		c.JSONLimit = def.JSONLimit
	}
	if c.RequireProvenance && len(c.ProvenanceKeys) == 0 {
		return errors.NewValidationError(
			"require_provenance is set but no provenance keys are configured", nil)
	}
	return nil
}
