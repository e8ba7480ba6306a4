package scheduler

import (
	"context"
	"sync/atomic"
	"time"
)

// TaskFunc is the body of a DelayedTask. Its return value is a scheduling hint
// for repeating tasks: 0 runs again after the task's interval, a positive value
// runs again after that many milliseconds, a negative value stops the task.
type TaskFunc func(ctx context.Context) int64

// TaskOption configures a DelayedTask.
type TaskOption func(*DelayedTask)

// Repeating makes the task reschedule itself after every run.
func Repeating() TaskOption {
	return func(t *DelayedTask) {
		t.repeat = true
	}
}

// DelayedTask runs a function on a Scheduler after a delay, with at most one
// run queued at any time.
type DelayedTask struct {
	name      string
	scheduler Scheduler
	delay     time.Duration
	fn        TaskFunc
	repeat    bool

	queued  atomic.Bool
	stopped atomic.Bool
	runs    atomic.Int64
}

// NewDelayedTask creates a task. It does nothing until Schedule is called.
func NewDelayedTask(name string, s Scheduler, delay time.Duration, fn TaskFunc, opts ...TaskOption) *DelayedTask {
	t := &DelayedTask{
		name:      name,
		scheduler: s,
		delay:     delay,
		fn:        fn,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *DelayedTask) Name() string {
	return t.name
}

// Schedule queues the task to run after its delay.
// Returns false if a run is already queued or the task was stopped.
func (t *DelayedTask) Schedule() bool {
	return t.scheduleAfter(t.delay)
}

// Runs returns the number of completed runs.
func (t *DelayedTask) Runs() int64 {
	return t.runs.Load()
}

// Stop prevents any further runs. A run already in progress completes.
func (t *DelayedTask) Stop() {
	t.stopped.Store(true)
}

func (t *DelayedTask) scheduleAfter(delay time.Duration) bool {
	if t.stopped.Load() {
		return false
	}
	if !t.queued.CompareAndSwap(false, true) {
		return false
	}
	if err := t.scheduler.Schedule(t.run, delay); err != nil {
		t.queued.Store(false)
		return false
	}
	return true
}

func (t *DelayedTask) run(ctx context.Context) {
	// Cleared before the body runs so the body may queue a follow-up run.
	t.queued.Store(false)
	if t.stopped.Load() || ctx.Err() != nil {
		return
	}

	hint := t.fn(ctx)
	t.runs.Add(1)

	if !t.repeat || hint < 0 {
		return
	}
	if hint == 0 {
		t.scheduleAfter(t.delay)
		return
	}
	t.scheduleAfter(time.Duration(hint) * time.Millisecond)
}
