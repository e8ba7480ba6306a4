// Package scheduler runs the cache's background maintenance.
//
// Pool executes tasks on a bounded set of goroutines and fires delayed tasks
// from timers. DelayedTask layers run-at-most-once-queued semantics and
// optional self-rescheduling on top of any Scheduler.
package scheduler
