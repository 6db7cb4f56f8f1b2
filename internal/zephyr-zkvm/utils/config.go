package utils

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration for the proving pipeline.
// All knobs are tunable policy; none of them affect the cross-chip
// consistency invariants.
type Config struct {
	// LogBlowup is log2 of the LDE expansion factor
	LogBlowup int `yaml:"log_blowup"`

	// NumQueries is the number of FRI query-index spot checks
	NumQueries int `yaml:"num_queries"`

	// FinalPolyMaxDegree is the degree bound of the last FRI layer,
	// sent in the clear
	FinalPolyMaxDegree int `yaml:"final_poly_max_degree"`

	// MaxShardCycles caps CPU rows per shard; the executor opens a new
	// shard before any chip exceeds its projected row budget
	MaxShardCycles int `yaml:"max_shard_cycles"`

	// MaxTotalCycles is the global execution resource limit
	MaxTotalCycles int `yaml:"max_total_cycles"`

	// ReduceArity is the fan-in of one recursion/aggregation step (2..4)
	ReduceArity int `yaml:"reduce_arity"`

	// LogLevel is a zerolog level string ("disabled", "info", "debug", ...)
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default prover configuration
func DefaultConfig() *Config {
	return &Config{
		LogBlowup:          2,
		NumQueries:         42,
		FinalPolyMaxDegree: 3,
		MaxShardCycles:     1 << 16,
		MaxTotalCycles:     1 << 24,
		ReduceArity:        2,
		LogLevel:           "disabled",
	}
}

// LoadConfig reads a YAML configuration file, applying defaults for
// absent keys
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.LogBlowup < 1 || c.LogBlowup > 4 {
		return fmt.Errorf("log blowup must be in [1, 4], got %d", c.LogBlowup)
	}

	if c.NumQueries <= 0 {
		return fmt.Errorf("number of FRI queries must be positive, got %d", c.NumQueries)
	}

	if c.FinalPolyMaxDegree < 0 {
		return fmt.Errorf("final polynomial degree bound must be non-negative, got %d", c.FinalPolyMaxDegree)
	}

	if c.MaxShardCycles <= 0 || !IsPowerOfTwo(c.MaxShardCycles) {
		return fmt.Errorf("max shard cycles must be a positive power of 2, got %d", c.MaxShardCycles)
	}

	if c.MaxTotalCycles < c.MaxShardCycles {
		return fmt.Errorf("max total cycles (%d) must be at least max shard cycles (%d)",
			c.MaxTotalCycles, c.MaxShardCycles)
	}

	if c.ReduceArity < 2 || c.ReduceArity > 4 {
		return fmt.Errorf("reduce arity must be in [2, 4], got %d", c.ReduceArity)
	}

	return nil
}
