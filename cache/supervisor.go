package cache

import (
	"context"
	"fmt"

	"github.com/jonwraymond/querycache/health"
	"github.com/jonwraymond/querycache/observe"
	"github.com/jonwraymond/querycache/scheduler"
)

// Supervisor routes the computations of a query through the cache.
//
// Contract:
// - Sessions: only read-only sessions use the cache. Other sessions get their
// input back unchanged and entities fetched directly.
// - Semantics: every returned computation yields the same result as its input.
// - Concurrency: implementations must be safe for concurrent use.
type Supervisor interface {
	// AnalyseFormula returns f with cacheable subtrees replaced by cached or
	// instrumented copies.
	AnalyseFormula(ctx context.Context, session Session, entityType string, f Formula) Formula

	// AnalyseSorter returns a cached, instrumented or unchanged sorter.
	AnalyseSorter(ctx context.Context, session Session, entityType string, s Sorter) Sorter

	// AnalyseExtraResult returns a cached, instrumented or unchanged computer.
	AnalyseExtraResult(ctx context.Context, session Session, entityType string, c ExtraResultComputer) ExtraResultComputer

	// AnalyseEntity returns the entity for req, or nil if it does not exist.
	AnalyseEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error)

	// AnalyseBinaryEntity returns the binary entity for req, or nil if it
	// does not exist.
	AnalyseBinaryEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error)

	// Usage reports cache occupancy.
	Usage() health.Usage

	// Close stops background evaluation.
	Close(ctx context.Context) error
}

// Option configures NewSupervisor.
type Option func(*options)

type options struct {
	inst   observe.Instrumentation
	hasher Hasher
}

// WithInstrumentation sets the tracer, metrics and logger of the cache.
func WithInstrumentation(inst observe.Instrumentation) Option {
	return func(o *options) {
		o.inst = inst
	}
}

// WithHasher replaces the default xxhash record hasher.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		o.hasher = h
	}
}

// NewSupervisor validates cfg and returns the supervisor it selects: a
// NoCacheSupervisor when caching is disabled, a HeapSupervisor otherwise.
func NewSupervisor(cfg Config, sched scheduler.Scheduler, opts ...Option) (Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return NewNoCacheSupervisor(), nil
	}
	return NewHeapSupervisor(cfg, sched, opts...)
}

// HeapSupervisor caches results in process memory.
type HeapSupervisor struct {
	anteroom     *Anteroom
	eden         *Eden
	reevaluation *scheduler.DelayedTask
	log          observe.Logger
}

// NewHeapSupervisor creates a caching supervisor and schedules its periodic
// evaluation on sched.
func NewHeapSupervisor(cfg Config, sched scheduler.Scheduler, opts ...Option) (*HeapSupervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: heap supervisor requires an enabled config", ErrInvalidConfig)
	}
	if sched == nil {
		return nil, fmt.Errorf("%w: scheduler is required", ErrInvalidConfig)
	}

	o := options{inst: observe.NoopInstrumentation()}
	for _, opt := range opts {
		opt(&o)
	}
	inst := o.inst.WithDefaults()

	eden := NewEden(cfg, inst)
	s := &HeapSupervisor{
		anteroom: NewAnteroom(cfg, eden, sched, o.hasher, inst),
		eden:     eden,
		log:      inst.Logger.With(observe.F("component", "supervisor")),
	}
	s.reevaluation = scheduler.NewDelayedTask("cache-reevaluation", sched, cfg.ReevaluateEach,
		func(ctx context.Context) int64 {
			s.anteroom.EvaluateAssociatesIfIdle(ctx)
			return 0
		},
		scheduler.Repeating(),
	)
	s.reevaluation.Schedule()
	return s, nil
}

// AnalyseFormula rewrites f for a read-only session, substituting cached
// results and instrumenting candidates. Other sessions get f back.
func (s *HeapSupervisor) AnalyseFormula(ctx context.Context, session Session, entityType string, f Formula) Formula {
	if !session.ReadOnly() {
		return f
	}
	return s.anteroom.RegisterFormula(ctx, session, entityType, f)
}

// AnalyseSorter returns the cached or instrumented sorter for a read-only
// session, and sorter itself otherwise.
func (s *HeapSupervisor) AnalyseSorter(ctx context.Context, session Session, entityType string, sorter Sorter) Sorter {
	if !session.ReadOnly() {
		return sorter
	}
	return s.anteroom.RegisterSorter(ctx, session, entityType, sorter)
}

// AnalyseExtraResult returns the cached or instrumented computer for a
// read-only session, and c itself otherwise.
func (s *HeapSupervisor) AnalyseExtraResult(ctx context.Context, session Session, entityType string, c ExtraResultComputer) ExtraResultComputer {
	if !session.ReadOnly() {
		return c
	}
	return s.anteroom.RegisterExtraResult(ctx, session, entityType, c)
}

// AnalyseEntity serves the entity from the cache for a read-only session,
// enriching it when the request needs more. Other sessions fetch directly.
func (s *HeapSupervisor) AnalyseEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error) {
	if !session.ReadOnly() {
		return fetchEntity(ctx, req)
	}
	return s.anteroom.RegisterEntity(ctx, session, req)
}

// AnalyseBinaryEntity is AnalyseEntity for the binary form of an entity,
// which is never enriched.
func (s *HeapSupervisor) AnalyseBinaryEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error) {
	if !session.ReadOnly() {
		return fetchEntity(ctx, req)
	}
	return s.anteroom.RegisterBinaryEntity(ctx, session, req)
}

// Usage reports Eden occupancy and the size of the current adept batch.
func (s *HeapSupervisor) Usage() health.Usage {
	u := s.eden.Usage()
	u.AnteroomAdepts = s.anteroom.adepts.Load().Len()
	return u
}

// Stats returns Eden's counters.
func (s *HeapSupervisor) Stats() Stats {
	return s.eden.Stats()
}

// Anteroom returns the anteroom, mainly for diagnostics.
func (s *HeapSupervisor) Anteroom() *Anteroom {
	return s.anteroom
}

// Evaluate hands the current batch to Eden and ranks it inline.
func (s *HeapSupervisor) Evaluate(ctx context.Context) {
	s.anteroom.EvaluateAssociates(ctx, true)
}

// Close stops periodic and pending evaluation passes. The scheduler is owned
// by the caller and stays open.
func (s *HeapSupervisor) Close(ctx context.Context) error {
	s.reevaluation.Stop()
	s.anteroom.Close()
	s.log.Debug(ctx, "cache supervisor closed")
	return nil
}

// fetchEntity fetches req directly. Missing entities yield (nil, nil).
func fetchEntity(ctx context.Context, req EntityRequest) (Entity, error) {
	if req.Fetch == nil {
		return nil, nil
	}
	return req.Fetch(ctx)
}

var (
	_ Supervisor           = (*HeapSupervisor)(nil)
	_ health.UsageReporter = (*HeapSupervisor)(nil)
)
