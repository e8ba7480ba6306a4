// Package cache provides an adaptive, in-process result cache for query
// computations.
//
// Computations (formula trees, sorters, extra result computers and entity
// fetches) pass through a Supervisor. Read-only sessions are served from the
// cache when possible. Everything else is passed through unchanged.
//
// # Admission
//
// The Anteroom collects adepts: computations seen at least once, together
// with their estimated size and cost. Periodically, or when the adept batch
// grows past Config.AnteroomRecordCount, the batch is handed to Eden, which
// ranks adepts together with the records it already holds by their
// space-to-performance ratio and keeps the best ones that fit into
// Config.CacheSizeInBytes. Records unused for more than CoolEnough passes
// are evicted.
//
// Admitted records start empty. The next lookup returns an instrumented copy
// of the computation that populates the slot once it has computed.
//
// # Invalidation
//
// Every record carries the fingerprint of the dataset versions it was
// computed against (see HashVersionSet). A lookup with another fingerprint
// is a miss and marks the record stale; the next pass evicts it.
//
// # Basic Usage
//
//	pool := scheduler.NewPool(scheduler.PoolConfig{})
//	defer pool.Close(ctx)
//
//	sup, err := cache.NewSupervisor(cache.DefaultConfig(), pool,
//	    cache.WithInstrumentation(inst),
//	)
//	if err != nil {
//	    return err
//	}
//	defer sup.Close(ctx)
//
//	f = sup.AnalyseFormula(ctx, session, "product", f)
package cache
