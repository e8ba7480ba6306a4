package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jonwraymond/querycache/observe"
	"github.com/jonwraymond/querycache/scheduler"
)

// Anteroom collects adepts between evaluation passes and answers lookups
// from Eden first.
//
// Register calls never block on evaluation. The current batch is swapped
// atomically when it is handed to Eden.
type Anteroom struct {
	maxRecordCount    int
	minimalComplexity int64

	eden       *Eden
	hasher     Hasher
	adepts     atomic.Pointer[Adepts]
	gatekeeper *scheduler.DelayedTask

	inst observe.Instrumentation
	log  observe.Logger
}

// NewAnteroom creates an anteroom feeding eden. Asynchronous evaluation
// passes run on sched.
func NewAnteroom(cfg Config, eden *Eden, sched scheduler.Scheduler, hasher Hasher, inst observe.Instrumentation) *Anteroom {
	inst = inst.WithDefaults()
	if hasher == nil {
		hasher = NewDefaultHasher()
	}
	a := &Anteroom{
		maxRecordCount:    cfg.AnteroomRecordCount,
		minimalComplexity: cfg.MinimalComplexityThreshold,
		eden:              eden,
		hasher:            hasher,
		gatekeeper:        scheduler.NewDelayedTask("eden-gatekeeper", sched, 0, eden.EvaluateAdepts),
		inst:              inst,
		log:               inst.Logger.With(observe.F("component", "anteroom")),
	}
	a.adepts.Store(NewAdepts())
	return a
}

// RegisterFormula rewrites the formula tree, replacing cacheable nodes with
// cached or instrumented copies.
func (a *Anteroom) RegisterFormula(ctx context.Context, session Session, entityType string, f Formula) Formula {
	return NewFormulaCacheVisitor(session, entityType, a).Analyse(ctx, f)
}

// registerFormula handles one cacheable node on behalf of v. The returned
// flag reports whether the subtree holds a non-cacheable scope.
func (a *Anteroom) registerFormula(ctx context.Context, v *FormulaCacheVisitor, f CacheableFormula, within bool) (Formula, bool) {
	if f.EstimatedCost() < a.minimalComplexity {
		children, nonCacheable := v.AnalyseChildren(ctx, f, within)
		return cloneWithChildren(f, children), nonCacheable
	}

	hash := a.hasher.RecordHash(v.session.CatalogName(), v.entityType, f)
	if cached := a.lookup(ctx, f, KindFormula, hash); cached != nil {
		return cached.(Formula), false
	}

	children, nonCacheable := v.AnalyseChildren(ctx, f, within)
	clone := cloneWithChildren(f, children)
	if nonCacheable {
		return clone, true
	}
	if adept := a.adepts.Load().Get(hash); adept != nil {
		adept.Used()
		return clone, false
	}

	cacheable, ok := clone.(CacheableFormula)
	if !ok {
		return clone, false
	}
	return cacheable.Instrument(a.recorder(KindFormula, hash)), false
}

// RegisterSorter returns a cached or instrumented sorter, or s unchanged.
func (a *Anteroom) RegisterSorter(ctx context.Context, session Session, entityType string, s Sorter) Sorter {
	cs, ok := s.(CacheableSorter)
	if !ok || !cs.Cacheable() || cs.EstimatedCost() < a.minimalComplexity {
		return s
	}

	hash := a.hasher.RecordHash(session.CatalogName(), entityType, cs)
	if cached := a.lookup(ctx, cs, KindSortedResult, hash); cached != nil {
		return cached.(Sorter)
	}
	if adept := a.adepts.Load().Get(hash); adept != nil {
		adept.Used()
		return s
	}
	return cs.Instrument(a.recorder(KindSortedResult, hash))
}

// RegisterExtraResult returns a cached or instrumented extra result
// computer, or c unchanged.
func (a *Anteroom) RegisterExtraResult(ctx context.Context, session Session, entityType string, c ExtraResultComputer) ExtraResultComputer {
	cc, ok := c.(CacheableExtraResultComputer)
	if !ok || !cc.Cacheable() || cc.EstimatedCost() < a.minimalComplexity {
		return c
	}

	hash := a.hasher.RecordHash(session.CatalogName(), entityType, cc)
	if cached := a.lookup(ctx, cc, KindExtraResult, hash); cached != nil {
		return cached.(ExtraResultComputer)
	}
	if adept := a.adepts.Load().Get(hash); adept != nil {
		adept.Used()
		return c
	}
	return cc.Instrument(a.recorder(KindExtraResult, hash))
}

// RegisterEntity returns the entity for req from Eden or fetches it. A miss
// records an adept sized from the fetched entity. Returns nil when the
// entity does not exist.
func (a *Anteroom) RegisterEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error) {
	return a.registerEntity(ctx, session, req, false)
}

// RegisterBinaryEntity is RegisterEntity for the binary form of an entity,
// which is never enriched.
func (a *Anteroom) RegisterBinaryEntity(ctx context.Context, session Session, req EntityRequest) (Entity, error) {
	return a.registerEntity(ctx, session, req, true)
}

func (a *Anteroom) registerEntity(ctx context.Context, session Session, req EntityRequest, binary bool) (Entity, error) {
	c := newEntityComputation(req, a.minimalComplexity, binary)
	hash := a.hasher.EntityHash(session.CatalogName(), req.EntityType, req.PrimaryKey, binary)

	cached, err := a.eden.GetCachedRecord(ctx, c, KindEntity, hash)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cached != nil {
		return cached.(Entity), nil
	}

	entity, err := c.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) {
			return nil, nil
		}
		return nil, err
	}
	a.put(ctx, NewCacheRecordAdept(KindEntity, hash, c.CostToPerformanceRatio(), EstimateRecordSize(entity.EstimateSize())))
	return entity, nil
}

// lookup asks Eden for hash. Eden only returns errors on the entity path, so
// any error here is logged and treated as a miss.
func (a *Anteroom) lookup(ctx context.Context, c Computation, kind RecordKind, hash uint64) any {
	cached, err := a.eden.GetCachedRecord(ctx, c, kind, hash)
	if err != nil {
		a.log.Warn(ctx, "cache lookup failed",
			observe.F("record_hash", hash),
			observe.F("kind", kind),
			observe.F("error", err),
		)
		return nil
	}
	return cached
}

func (a *Anteroom) recorder(kind RecordKind, hash uint64) Recorder {
	return &adeptRecorder{anteroom: a, kind: kind, hash: hash}
}

// put records adept in the current batch and triggers an asynchronous
// evaluation once the batch outgrows maxRecordCount.
func (a *Anteroom) put(ctx context.Context, adept *CacheRecordAdept) {
	batch := a.adepts.Load()
	if _, inserted := batch.Put(adept); inserted && batch.Len() > a.maxRecordCount {
		a.EvaluateAssociates(ctx, false)
	}
}

// adeptRecorder turns the first computed result of an instrumented
// computation into an adept.
type adeptRecorder struct {
	anteroom *Anteroom
	kind     RecordKind
	hash     uint64
}

func (r *adeptRecorder) Record(ctx context.Context, res Result) {
	r.anteroom.put(ctx, NewCacheRecordAdept(
		r.kind,
		r.hash,
		res.CostToPerformanceRatio(),
		EstimateRecordSize(res.SizeEstimate()),
	))
}

// EvaluateAssociates hands the current batch to Eden and starts an
// evaluation pass, inline when synchronously is set.
func (a *Anteroom) EvaluateAssociates(ctx context.Context, synchronously bool) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error(ctx, "failed to hand adepts over to eden",
				observe.F("error", fmt.Sprint(r)),
			)
		}
	}()

	batch := a.adepts.Load()
	if batch.Len() == 0 {
		a.eden.SetNextAdeptsToEvaluate(ctx, NewAdepts())
	} else {
		batch = a.adepts.Swap(NewAdepts())
		a.eden.SetNextAdeptsToEvaluate(ctx, batch)
	}
	a.inst.Metrics.RecordAnteroomSize(ctx, batch.Len())

	if synchronously {
		a.eden.EvaluateAdepts(ctx)
		return
	}
	a.gatekeeper.Schedule()
}

// EvaluateAssociatesIfIdle starts an asynchronous pass unless Eden still has
// a batch waiting.
func (a *Anteroom) EvaluateAssociatesIfIdle(ctx context.Context) {
	if a.eden.IsAdeptsWaitingForEvaluation() {
		return
	}
	a.EvaluateAssociates(ctx, false)
}

// Adept returns the adept recorded for c in the current batch, or nil.
func (a *Anteroom) Adept(catalog, entityType string, c Computation) *CacheRecordAdept {
	return a.adepts.Load().Get(a.hasher.RecordHash(catalog, entityType, c))
}

// Eden returns the Eden this anteroom feeds.
func (a *Anteroom) Eden() *Eden {
	return a.eden
}

// Close stops asynchronous evaluation passes that have not started yet.
func (a *Anteroom) Close() {
	a.gatekeeper.Stop()
}
