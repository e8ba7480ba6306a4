package health

import (
	"context"
	"fmt"
)

// Usage is a snapshot of cache occupancy and evaluation state.
type Usage struct {
	Records        int
	OccupiedBytes  int64
	CapacityBytes  int64
	Overloads      int64
	Evaluations    int64
	LastFailed     bool
	AdeptsWaiting  bool
	Disabled       bool
	AnteroomAdepts int
}

// UsageReporter exposes cache usage.
type UsageReporter interface {
	Usage() Usage
}

// CacheCheckerConfig configures the cache health checker.
type CacheCheckerConfig struct {
	// WarningThreshold is the fraction of the byte budget that triggers degraded status.
	// Value should be between 0 and 1. Default: 0.8 (80%)
	WarningThreshold float64

	// CriticalThreshold is the fraction of the byte budget that triggers unhealthy status.
	// Value should be between 0 and 1. Default: 0.95 (95%)
	CriticalThreshold float64
}

// CacheChecker turns cache usage into health status.
type CacheChecker struct {
	config   CacheCheckerConfig
	reporter UsageReporter

	lastOverloads int64
}

// NewCacheChecker creates a new cache health checker.
func NewCacheChecker(reporter UsageReporter, config CacheCheckerConfig) *CacheChecker {
	if config.WarningThreshold <= 0 || config.WarningThreshold >= 1 {
		config.WarningThreshold = 0.8
	}
	if config.CriticalThreshold <= 0 || config.CriticalThreshold >= 1 {
		config.CriticalThreshold = 0.95
	}
	if config.CriticalThreshold < config.WarningThreshold {
		config.CriticalThreshold = config.WarningThreshold + 0.1
		if config.CriticalThreshold > 1 {
			config.CriticalThreshold = 0.99
		}
	}

	return &CacheChecker{config: config, reporter: reporter}
}

// Name returns the name of this checker.
func (c *CacheChecker) Name() string {
	return "cache"
}

// Check reports unhealthy when the last evaluation failed or the cache is
// nearly full, and degraded when it is filling up or evaluation fell behind
// since the previous check. CacheChecker is not safe for concurrent Check calls.
func (c *CacheChecker) Check(ctx context.Context) Result {
	select {
	case <-ctx.Done():
		return Unhealthy("context cancelled", ctx.Err())
	default:
	}

	u := c.reporter.Usage()
	if u.Disabled {
		return Healthy("cache disabled")
	}

	var usageRatio float64
	if u.CapacityBytes > 0 {
		usageRatio = float64(u.OccupiedBytes) / float64(u.CapacityBytes)
	}
	newOverloads := u.Overloads - c.lastOverloads
	c.lastOverloads = u.Overloads

	details := map[string]any{
		"records":         u.Records,
		"occupied_bytes":  u.OccupiedBytes,
		"capacity_bytes":  u.CapacityBytes,
		"usage_percent":   usageRatio * 100,
		"overloads":       u.Overloads,
		"evaluations":     u.Evaluations,
		"adepts_waiting":  u.AdeptsWaiting,
		"anteroom_adepts": u.AnteroomAdepts,
	}

	if u.LastFailed {
		return Unhealthy("last cache evaluation failed", ErrCheckFailed).WithDetails(details)
	}

	if usageRatio >= c.config.CriticalThreshold {
		return Unhealthy(
			fmt.Sprintf("cache usage critical: %.1f%%", usageRatio*100),
			ErrCheckFailed,
		).WithDetails(details)
	}

	if usageRatio >= c.config.WarningThreshold {
		return Degraded(
			fmt.Sprintf("cache usage high: %.1f%%", usageRatio*100),
		).WithDetails(details)
	}

	if newOverloads > 0 {
		return Degraded(
			fmt.Sprintf("cache evaluation falls behind: %d batches discarded", newOverloads),
		).WithDetails(details)
	}

	return Healthy(
		fmt.Sprintf("cache usage normal: %.1f%%", usageRatio*100),
	).WithDetails(details)
}

var _ Checker = (*CacheChecker)(nil)
