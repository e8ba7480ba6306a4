// Package health provides health checking primitives for the query cache.
//
// A Checker is any component that can report its health status. The Status
// type represents the health state: Healthy, Degraded, or Unhealthy.
//
// # Basic Usage
//
//	checker := health.NewCacheChecker(supervisor, health.CacheCheckerConfig{
//	    WarningThreshold:  0.80,
//	    CriticalThreshold: 0.95,
//	})
//
//	result := checker.Check(ctx)
//	if result.Status == health.StatusUnhealthy {
//	    logger.Warn(ctx, "cache unhealthy", observe.F("message", result.Message))
//	}
package health
