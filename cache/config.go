package cache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the cache.
type Config struct {
	// Enabled selects the caching supervisor. When false every analysis is
	// a pass-through.
	Enabled bool `yaml:"enabled"`

	// ReevaluateEach is the interval of the periodic evaluation pass.
	// Default: 60s
	ReevaluateEach time.Duration `yaml:"reevaluate_each"`

	// AnteroomRecordCount caps the adepts collected between passes. Exceeding
	// it triggers an immediate asynchronous pass.
	// Default: 100000
	AnteroomRecordCount int `yaml:"anteroom_record_count"`

	// MinimalComplexityThreshold is the estimated cost a computation must
	// reach to be considered.
	// Default: 10000
	MinimalComplexityThreshold int64 `yaml:"minimal_complexity_threshold"`

	// MinimalUsageThreshold is the number of sightings an adept needs to
	// score above zero.
	// Default: 2
	MinimalUsageThreshold int `yaml:"minimal_usage_threshold"`

	// MinimalSpaceToPerformanceRatio is the score an adept must exceed to be
	// ranked.
	// Default: 0
	MinimalSpaceToPerformanceRatio int64 `yaml:"minimal_space_to_performance_ratio"`

	// CacheSizeInBytes is the byte budget of all cached records.
	// Default: 100 MiB
	CacheSizeInBytes int64 `yaml:"cache_size_in_bytes"`
}

// DefaultConfig returns the default configuration with caching enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:                        true,
		ReevaluateEach:                 60 * time.Second,
		AnteroomRecordCount:            100_000,
		MinimalComplexityThreshold:     10_000,
		MinimalUsageThreshold:          2,
		MinimalSpaceToPerformanceRatio: 0,
		CacheSizeInBytes:               100 << 20,
	}
}

// DisabledConfig returns the default configuration with caching disabled.
func DisabledConfig() Config {
	c := DefaultConfig()
	c.Enabled = false
	return c
}

// Validate checks the configuration. A disabled configuration is always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.ReevaluateEach <= 0:
		return fmt.Errorf("%w: reevaluate_each must be positive, got %v", ErrInvalidConfig, c.ReevaluateEach)
	case c.AnteroomRecordCount <= 0:
		return fmt.Errorf("%w: anteroom_record_count must be positive, got %d", ErrInvalidConfig, c.AnteroomRecordCount)
	case c.MinimalComplexityThreshold < 0:
		return fmt.Errorf("%w: minimal_complexity_threshold must not be negative, got %d", ErrInvalidConfig, c.MinimalComplexityThreshold)
	case c.MinimalUsageThreshold < 0:
		return fmt.Errorf("%w: minimal_usage_threshold must not be negative, got %d", ErrInvalidConfig, c.MinimalUsageThreshold)
	case c.MinimalSpaceToPerformanceRatio < 0:
		return fmt.Errorf("%w: minimal_space_to_performance_ratio must not be negative, got %d", ErrInvalidConfig, c.MinimalSpaceToPerformanceRatio)
	case c.CacheSizeInBytes <= 0:
		return fmt.Errorf("%w: cache_size_in_bytes must be positive, got %d", ErrInvalidConfig, c.CacheSizeInBytes)
	}
	return nil
}

// ParseConfig reads a YAML document over DefaultConfig. Keys missing from the
// document keep their defaults.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("cache: parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and parses a YAML configuration file. `${VAR}`
// references are expanded from the environment first.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cache: read config %s: %w", path, err)
	}
	doc, err := expandEnv(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("cache: config %s: %w", path, err)
	}
	return ParseConfig([]byte(doc))
}
