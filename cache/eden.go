package cache

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jonwraymond/querycache/health"
	"github.com/jonwraymond/querycache/observe"
)

// evaluationWait bounds how long a pass waits for a running pass to finish.
const evaluationWait = time.Second

// evaluationHeadroom is added to the evaluation buffer for adepts recorded
// into a batch after it was handed over.
const evaluationHeadroom = 64

var evaluateOperation = observe.Operation{Component: "eden", Name: "evaluate"}

// Eden holds the admitted records and ranks them against new adepts.
//
// Lookups and slot completion never block. Evaluation passes are mutually
// exclusive.
type Eden struct {
	table       sync.Map // uint64 -> *CachedRecord
	recordCount atomic.Int64
	usedBytes   atomic.Int64

	maxBytes     int64
	minimalUsage int
	minimalRatio int64

	hits        atomic.Int64
	misses      atomic.Int64
	enrichments atomic.Int64
	overloads   atomic.Int64
	evaluations atomic.Int64
	lastFailed  atomic.Bool

	pending atomic.Pointer[Adepts]
	gate    *gate

	inst observe.Instrumentation
	log  observe.Logger
}

// NewEden creates an empty Eden bounded by cfg.CacheSizeInBytes.
func NewEden(cfg Config, inst observe.Instrumentation) *Eden {
	inst = inst.WithDefaults()
	inst.Logger = inst.Logger.With(observe.F("component", "eden"))
	return &Eden{
		maxBytes:     cfg.CacheSizeInBytes,
		minimalUsage: cfg.MinimalUsageThreshold,
		minimalRatio: cfg.MinimalSpaceToPerformanceRatio,
		gate:         newGate(),
		inst:         inst,
		log:          inst.Logger,
	}
}

// GetCachedRecord looks up the record for hash.
//
// It returns nil on a miss, including a record of another kind or one computed
// against other dataset versions. A populated record is restored from its
// payload; a cached entity is enriched first if the request needs more. A
// record admitted but not populated yet yields an instrumented copy of c that
// populates it, or for entities the freshly fetched entity.
//
// Passing a computation that is not the cacheable type kind expects violates
// an internal invariant and panics.
func (e *Eden) GetCachedRecord(ctx context.Context, c Computation, kind RecordKind, hash uint64) (any, error) {
	v, ok := e.table.Load(hash)
	if !ok {
		e.misses.Add(1)
		return nil, nil
	}
	rec := v.(*CachedRecord)
	if rec.Kind != kind {
		e.misses.Add(1)
		return nil, nil
	}

	if !rec.Initialized() {
		e.misses.Add(1)
		return e.populate(ctx, rec, c, kind)
	}

	if rec.TransactionalIDHash != c.TransactionalIDHash() {
		e.misses.Add(1)
		rec.markStale()
		return nil, nil
	}

	if kind == KindEntity {
		ec, ok := c.(*entityComputation)
		if !ok {
			panic(errors.AssertionFailedf("cache: unexpected computation %T for entity record %d", c, hash))
		}
		e.hits.Add(1)
		rec.markUsed()
		return e.enrich(ctx, rec, ec)
	}

	in, ok := asInstrumentable(kind, c)
	if !ok {
		panic(errors.AssertionFailedf("cache: unexpected computation %T for %s record %d", c, kind, hash))
	}
	payload, _ := rec.Payload()
	restored, err := in.restore(payload)
	if err != nil {
		e.misses.Add(1)
		e.log.Warn(ctx, "failed to restore cached record",
			observe.F("record_hash", hash),
			observe.F("kind", kind),
			observe.F("error", err),
		)
		return nil, nil
	}
	e.hits.Add(1)
	rec.markUsed()
	return restored, nil
}

func (e *Eden) populate(ctx context.Context, rec *CachedRecord, c Computation, kind RecordKind) (any, error) {
	if kind == KindEntity {
		ec, ok := c.(*entityComputation)
		if !ok {
			panic(errors.AssertionFailedf("cache: unexpected computation %T for entity record %d", c, rec.RecordHash))
		}
		entity, err := ec.fetch(ctx)
		if err != nil {
			return nil, err
		}
		e.replace(rec, rec.populated(ec.TransactionalIDHash(), Payload{}, entity))
		return entity, nil
	}

	in, ok := asInstrumentable(kind, c)
	if !ok {
		panic(errors.AssertionFailedf("cache: unexpected computation %T for %s record %d", c, kind, rec.RecordHash))
	}
	return in.instrument(&slotRecorder{
		eden:                e,
		slot:                rec,
		transactionalIDHash: c.TransactionalIDHash(),
	}), nil
}

func (e *Eden) enrich(ctx context.Context, rec *CachedRecord, ec *entityComputation) (any, error) {
	cached, _ := rec.Entity()
	enriched, changed, err := ec.enrich(ctx, cached)
	if err != nil {
		return nil, err
	}
	if !changed {
		return cached, nil
	}
	if e.replace(rec, rec.populated(rec.TransactionalIDHash, Payload{}, enriched)) {
		e.enrichments.Add(1)
	}
	return enriched, nil
}

// CompleteRecord populates slot with payload. It reports false when slot is
// no longer the record held for its hash, because it was evicted or already
// completed.
func (e *Eden) CompleteRecord(slot *CachedRecord, transactionalIDHash uint64, payload Payload) bool {
	return e.replace(slot, slot.populated(transactionalIDHash, payload, nil))
}

func (e *Eden) replace(old, updated *CachedRecord) bool {
	return e.table.CompareAndSwap(old.RecordHash, old, updated)
}

// slotRecorder completes an empty slot with the first computed result.
type slotRecorder struct {
	eden                *Eden
	slot                *CachedRecord
	transactionalIDHash uint64
}

func (r *slotRecorder) Record(ctx context.Context, res Result) {
	payload, err := NewPayload(r.slot.Kind, r.slot.RecordHash, res.Value())
	if err != nil {
		r.eden.log.Warn(ctx, "failed to encode cache payload",
			observe.F("record_hash", r.slot.RecordHash),
			observe.F("kind", r.slot.Kind),
			observe.F("error", err),
		)
		return
	}
	r.eden.CompleteRecord(r.slot, r.transactionalIDHash, payload)
}

// SetNextAdeptsToEvaluate hands a batch to the next evaluation pass. An empty
// batch is only installed when nothing is pending. A non-empty batch replaces
// whatever is pending; replacing a non-empty batch counts as an overload.
func (e *Eden) SetNextAdeptsToEvaluate(ctx context.Context, adepts *Adepts) {
	if adepts.Len() == 0 {
		e.pending.CompareAndSwap(nil, adepts)
		return
	}

	discarded := e.pending.Swap(adepts)
	if n := discarded.Len(); n > 0 {
		e.overloads.Add(1)
		e.inst.Metrics.RecordAnteroomOverload(ctx, n)
		e.log.Warn(ctx, "cache evaluation does not keep up with adept ingress",
			observe.F("discarded_adepts", n),
		)
	}
}

// IsAdeptsWaitingForEvaluation reports whether a batch is pending.
func (e *Eden) IsAdeptsWaitingForEvaluation() bool {
	return e.pending.Load() != nil
}

// EvaluateAdepts runs one evaluation pass over the pending batch and the
// current records. It returns without doing anything when no batch is pending
// or another pass holds the gate for longer than a second. The result is a
// scheduling hint; 0 asks for the standard interval.
func (e *Eden) EvaluateAdepts(ctx context.Context) int64 {
	if !e.gate.acquire(evaluationWait) {
		e.log.Debug(ctx, "cache evaluation already running, skipping",
			observe.F("skipped_evaluations", e.gate.rejected.Load()),
		)
		return 0
	}
	defer e.gate.release()

	adepts := e.pending.Swap(nil)
	if adepts == nil {
		return 0
	}

	var report observe.EvaluationReport
	elapsed, err := e.inst.Run(ctx, evaluateOperation, func(context.Context) error {
		var err error
		report, err = e.evaluate(adepts)
		return err
	}, attribute.Int("cache.adepts", adepts.Len()))

	report.Duration = elapsed
	report.Hits = e.hits.Swap(0)
	report.Misses = e.misses.Swap(0)
	report.Enrichments = e.enrichments.Swap(0)
	report.Records = int(e.recordCount.Load())
	report.Failed = err != nil

	e.evaluations.Add(1)
	e.lastFailed.Store(err != nil)
	e.inst.Metrics.RecordEvaluation(ctx, report)
	if err != nil {
		return 0
	}

	var hitRatio float64
	if total := report.Hits + report.Misses; total > 0 {
		hitRatio = float64(report.Hits) / float64(total) * 100
	}
	e.log.Debug(ctx, "cache evaluation finished",
		observe.F("count", report.Records),
		observe.F("size_bytes", report.OccupiedBytes),
		observe.F("hits", report.Hits),
		observe.F("misses", report.Misses),
		observe.F("enrichments", report.Enrichments),
		observe.F("hit_ratio_percent", hitRatio),
		observe.F("average_complexity", report.AverageComplexity),
		observe.F("adept_count", report.Adepts),
		observe.F("duration_ms", report.Duration.Milliseconds()),
	)
	return 0
}

// evaluationEntry is one candidate of a pass: a fresh adept or an existing
// record.
type evaluationEntry struct {
	hash     uint64
	kind     RecordKind
	size     int
	ratio    int64
	existing bool
}

// evaluationBuffer is the fixed capacity candidate list of a pass.
type evaluationBuffer struct {
	entries []evaluationEntry
	expired map[uint64]RecordKind

	// observed holds every record seen by the pass; each is cooled once
	// the pass is applied.
	observed []*CachedRecord
}

func newEvaluationBuffer(capacity int) *evaluationBuffer {
	return &evaluationBuffer{
		entries: make([]evaluationEntry, 0, capacity),
		expired: make(map[uint64]RecordKind),
	}
}

func (b *evaluationBuffer) full() bool {
	return len(b.entries) == cap(b.entries)
}

func (b *evaluationBuffer) push(en evaluationEntry) bool {
	if b.full() {
		return false
	}
	b.entries = append(b.entries, en)
	return true
}

// sort orders entries by descending ratio, ties by ascending hash.
func (b *evaluationBuffer) sort() {
	slices.SortFunc(b.entries, func(x, y evaluationEntry) int {
		if c := cmp.Compare(y.ratio, x.ratio); c != 0 {
			return c
		}
		return cmp.Compare(x.hash, y.hash)
	})
}

// admitted returns the index of the last entry fitting into maxBytes, or -1,
// and the bytes the admitted prefix occupies.
func (b *evaluationBuffer) admitted(maxBytes int64) (int, int64) {
	threshold := -1
	var occupied int64
	for i, en := range b.entries {
		if occupied+int64(en.size) > maxBytes {
			break
		}
		occupied += int64(en.size)
		threshold = i
	}
	return threshold, occupied
}

// compact drops every entry that cannot be admitted anyway. Dropped existing
// records are routed to eviction.
func (b *evaluationBuffer) compact(maxBytes int64) {
	b.sort()
	threshold, _ := b.admitted(maxBytes)
	for _, en := range b.entries[threshold+1:] {
		if en.existing {
			b.expired[en.hash] = en.kind
		}
	}
	b.entries = b.entries[:threshold+1]
}

func (b *evaluationBuffer) add(en evaluationEntry, maxBytes int64) {
	if b.push(en) {
		return
	}
	b.compact(maxBytes)
	if !b.push(en) {
		panic(errors.AssertionFailedf("cache: evaluation buffer of %d entries still full after compaction", cap(b.entries)))
	}
}

// evaluationPlan is the outcome of a pass. It is computed without touching
// the table and applied afterwards.
type evaluationPlan struct {
	cooled   []*CachedRecord
	evict    map[uint64]RecordKind
	promote  []*CachedRecord
	kinds    map[RecordKind]*observe.KindReport
	occupied int64

	candidates int
	ratioSum   int64
}

// evaluate ranks adepts together with the existing records and applies the
// outcome to the table. Panics are recovered and returned; a pass that fails
// leaves the table as it was.
func (e *Eden) evaluate(adepts *Adepts) (report observe.EvaluationReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = errors.Wrap(rerr, "cache: evaluation panicked")
			} else {
				err = errors.Newf("cache: evaluation panicked: %v", r)
			}
		}
	}()

	p := e.plan(adepts)
	e.apply(p)

	report.OccupiedBytes = p.occupied
	report.Adepts = p.candidates
	if p.candidates > 0 {
		report.AverageComplexity = p.ratioSum / int64(p.candidates)
	}
	for _, k := range RecordKinds {
		report.Kinds = append(report.Kinds, *p.kinds[k])
	}
	return report, nil
}

func (e *Eden) plan(adepts *Adepts) *evaluationPlan {
	buf := e.merge(adepts)
	buf.sort()
	threshold, occupied := buf.admitted(e.maxBytes)

	p := &evaluationPlan{
		cooled:     buf.observed,
		evict:      buf.expired,
		kinds:      make(map[RecordKind]*observe.KindReport, len(RecordKinds)),
		occupied:   occupied,
		candidates: len(buf.entries),
	}
	for _, k := range RecordKinds {
		p.kinds[k] = &observe.KindReport{Kind: k.String()}
	}

	for i, en := range buf.entries {
		p.ratioSum += en.ratio
		if i > threshold {
			if en.existing {
				p.evict[en.hash] = en.kind
			}
			continue
		}

		k := p.kinds[en.kind]
		k.Records++
		k.OccupiedBytes += int64(en.size)
		if en.existing {
			k.Survived++
			continue
		}
		if a := adepts.Get(en.hash); a != nil {
			p.promote = append(p.promote, newEmptyRecord(a))
		}
	}
	return p
}

// apply cools the observed records, then evicts before it promotes so an
// adept can take over the slot of an expired record.
func (e *Eden) apply(p *evaluationPlan) {
	for _, rec := range p.cooled {
		rec.cool()
	}

	for hash, kind := range p.evict {
		if _, ok := e.table.LoadAndDelete(hash); ok {
			e.recordCount.Add(-1)
			p.kinds[kind].Evicted++
		}
	}

	for _, rec := range p.promote {
		if _, loaded := e.table.LoadOrStore(rec.RecordHash, rec); !loaded {
			e.recordCount.Add(1)
			p.kinds[rec.Kind].Promoted++
		}
	}

	e.usedBytes.Store(p.occupied)
}

// merge collects the candidates of a pass without changing any record.
// Stale records and records that would stay unused for more than CoolEnough
// passes go to the eviction list. Adepts already held by the table, adepts
// of MaxRecordSize or more and adepts not exceeding the minimal ratio are
// skipped. A record or adept of an unknown kind violates an internal
// invariant and panics.
func (e *Eden) merge(adepts *Adepts) *evaluationBuffer {
	buf := newEvaluationBuffer(adepts.Len() + int(e.recordCount.Load()) + evaluationHeadroom)

	e.table.Range(func(_, v any) bool {
		rec := v.(*CachedRecord)
		if !rec.Kind.valid() {
			panic(errors.AssertionFailedf("cache: record %d has unknown %s", rec.RecordHash, rec.Kind))
		}
		buf.observed = append(buf.observed, rec)
		if rec.Stale() || rec.nextCooldown() > CoolEnough {
			buf.expired[rec.RecordHash] = rec.Kind
			return true
		}
		buf.add(evaluationEntry{
			hash:     rec.RecordHash,
			kind:     rec.Kind,
			size:     rec.SizeInBytes,
			ratio:    rec.SpaceToPerformanceRatio(e.minimalUsage),
			existing: true,
		}, e.maxBytes)
		return true
	})

	adepts.Range(func(a *CacheRecordAdept) bool {
		if !a.Kind.valid() {
			panic(errors.AssertionFailedf("cache: adept %d has unknown %s", a.RecordHash, a.Kind))
		}
		if _, held := e.table.Load(a.RecordHash); held {
			if _, expiring := buf.expired[a.RecordHash]; !expiring {
				return true
			}
		}
		if a.SizeInBytes >= MaxRecordSize {
			return true
		}
		ratio := a.SpaceToPerformanceRatio(e.minimalUsage)
		if ratio <= e.minimalRatio {
			return true
		}
		buf.add(evaluationEntry{
			hash:  a.RecordHash,
			kind:  a.Kind,
			size:  a.SizeInBytes,
			ratio: ratio,
		}, e.maxBytes)
		return true
	})

	return buf
}

// Stats is a snapshot of Eden's counters.
type Stats struct {
	Records       int
	OccupiedBytes int64
	CapacityBytes int64
	Hits          int64
	Misses        int64
	Enrichments   int64
	Overloads     int64
	Evaluations   int64
	LastFailed    bool
	AdeptsWaiting bool

	// SkippedEvaluations counts passes that gave up waiting for a running
	// pass.
	SkippedEvaluations int64
}

// Stats returns the current counters. Hits, misses and enrichments count
// since the last evaluation pass.
func (e *Eden) Stats() Stats {
	return Stats{
		Records:       int(e.recordCount.Load()),
		OccupiedBytes: e.usedBytes.Load(),
		CapacityBytes: e.maxBytes,
		Hits:          e.hits.Load(),
		Misses:        e.misses.Load(),
		Enrichments:   e.enrichments.Load(),
		Overloads:     e.overloads.Load(),
		Evaluations:   e.evaluations.Load(),
		LastFailed:    e.lastFailed.Load(),
		AdeptsWaiting: e.IsAdeptsWaitingForEvaluation(),

		SkippedEvaluations: e.gate.rejected.Load(),
	}
}

// Usage reports Eden's occupancy for health checks.
func (e *Eden) Usage() health.Usage {
	s := e.Stats()
	return health.Usage{
		Records:       s.Records,
		OccupiedBytes: s.OccupiedBytes,
		CapacityBytes: s.CapacityBytes,
		Overloads:     s.Overloads,
		Evaluations:   s.Evaluations,
		LastFailed:    s.LastFailed,
		AdeptsWaiting: s.AdeptsWaiting,
	}
}

// Record returns the record held for hash, or nil.
func (e *Eden) Record(hash uint64) *CachedRecord {
	v, ok := e.table.Load(hash)
	if !ok {
		return nil
	}
	return v.(*CachedRecord)
}

var _ health.UsageReporter = (*Eden)(nil)
