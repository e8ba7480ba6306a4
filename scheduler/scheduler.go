package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when work is submitted to a closed scheduler.
var ErrClosed = errors.New("scheduler: closed")

// DefaultWorkers is the worker count used when PoolConfig.Workers is not set.
const DefaultWorkers = 4

// retryDelay is how long a fired timer waits before retrying on a saturated pool.
const retryDelay = 10 * time.Millisecond

// Scheduler runs background tasks off the caller's goroutine.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: tasks receive a context that is canceled when the scheduler closes.
// - Errors: Execute never blocks; it reports false when the task was not accepted.
type Scheduler interface {
	// Schedule runs task once after delay.
	Schedule(task func(ctx context.Context), delay time.Duration) error

	// Execute runs task as soon as possible on another goroutine.
	Execute(task func(ctx context.Context)) bool
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Workers caps the number of tasks running at once.
	// Default: 4
	Workers int
}

// Pool is a Scheduler backed by a bounded errgroup.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	nextID  uint64
	closed  bool
	stopped chan struct{}
}

// NewPool creates a new pool.
func NewPool(config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	g := new(errgroup.Group)
	g.SetLimit(config.Workers)

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		ctx:     ctx,
		cancel:  cancel,
		group:   g,
		timers:  make(map[uint64]*time.Timer),
		stopped: make(chan struct{}),
	}
}

// Execute runs task on a free worker. Returns false if all workers are busy
// or the pool is closed.
func (p *Pool) Execute(task func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	return p.group.TryGo(func() error {
		task(p.ctx)
		return nil
	})
}

// Schedule runs task once after delay. A task whose timer fires while every
// worker is busy is retried shortly after.
func (p *Pool) Schedule(task func(ctx context.Context), delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	id := p.nextID
	p.nextID++
	// The callback takes p.mu first, so it cannot observe the map before the
	// timer is stored below.
	p.timers[id] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, id)
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return
		}
		if !p.Execute(task) {
			_ = p.Schedule(task, retryDelay)
		}
	})
	return nil
}

// Pending returns the number of scheduled tasks whose timer has not fired yet.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Close stops all pending timers, cancels the task context and waits for
// running tasks to return. Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for id, t := range p.timers {
			t.Stop()
			delete(p.timers, id)
		}
		p.cancel()
		go func() {
			_ = p.group.Wait()
			close(p.stopped)
		}()
	}
	p.mu.Unlock()

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Scheduler = (*Pool)(nil)
