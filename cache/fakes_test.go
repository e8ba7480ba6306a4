package cache

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonwraymond/querycache/observe"
)

type testSession struct {
	catalog  string
	readOnly bool
}

func (s testSession) CatalogName() string { return s.catalog }
func (s testSession) ReadOnly() bool      { return s.readOnly }

var (
	readOnlySession  = testSession{catalog: "shop", readOnly: true}
	readWriteSession = testSession{catalog: "shop"}
)

type testResult struct {
	value any
	size  int
	ratio int64
}

func (r testResult) Value() any                    { return r.value }
func (r testResult) SizeEstimate() int             { return r.size }
func (r testResult) CostToPerformanceRatio() int64 { return r.ratio }

// testFormula computes the sorted union of its own id and its children's
// results.
type testFormula struct {
	id        uint64
	cost      int64
	txHash    uint64
	size      int
	ratio     int64
	cacheable bool
	children  []Formula

	recorder Recorder
	restored []int
}

func newFormula(id uint64, cost int64, children ...Formula) *testFormula {
	return &testFormula{
		id:        id,
		cost:      cost,
		size:      100,
		ratio:     cost,
		cacheable: true,
		children:  children,
	}
}

func (f *testFormula) EstimatedCost() int64        { return f.cost }
func (f *testFormula) TransactionalIDHash() uint64 { return f.txHash }
func (f *testFormula) Children() []Formula         { return f.children }
func (f *testFormula) Cacheable() bool             { return f.cacheable }

func (f *testFormula) Hash() uint64 {
	values := []uint64{f.id}
	for _, c := range f.children {
		values = append(values, c.Hash())
	}
	return HashLongs(values...)
}

func (f *testFormula) WithChildren(children []Formula) Formula {
	c := *f
	c.children = children
	return &c
}

func (f *testFormula) Instrument(r Recorder) Formula {
	c := *f
	c.recorder = r
	return &c
}

func (f *testFormula) Restore(p Payload) (Formula, error) {
	var values []int
	if err := p.Decode(&values); err != nil {
		return nil, err
	}
	c := *f
	c.restored = values
	return &c, nil
}

func (f *testFormula) Compute(ctx context.Context) []int {
	if f.restored != nil {
		return f.restored
	}
	result := []int{int(f.id)}
	for _, child := range f.children {
		result = append(result, compute(ctx, child)...)
	}
	slices.Sort(result)
	if f.recorder != nil {
		f.recorder.Record(ctx, testResult{value: result, size: f.size, ratio: f.ratio})
	}
	return result
}

type computer interface {
	Compute(ctx context.Context) []int
}

func compute(ctx context.Context, f Formula) []int {
	if c, ok := f.(computer); ok {
		return c.Compute(ctx)
	}
	return nil
}

// scopeFormula depends on request-scoped input.
type scopeFormula struct{ *testFormula }

func (s scopeFormula) NonCacheableScope() {}

func (s scopeFormula) WithChildren(children []Formula) Formula {
	return scopeFormula{s.testFormula.WithChildren(children).(*testFormula)}
}

// priceFormula terminates price computation.
type priceFormula struct{ *testFormula }

func (p priceFormula) PriceTermination() {}

func (p priceFormula) WithChildren(children []Formula) Formula {
	return priceFormula{p.testFormula.WithChildren(children).(*testFormula)}
}

// plainComputation is a computation no record kind can restore.
type plainComputation struct{ hash uint64 }

func (c plainComputation) EstimatedCost() int64        { return 1_000 }
func (c plainComputation) Hash() uint64                { return c.hash }
func (c plainComputation) TransactionalIDHash() uint64 { return 0 }

type testSorter struct {
	id       uint64
	cost     int64
	recorder Recorder
	restored []int
}

func (s *testSorter) EstimatedCost() int64        { return s.cost }
func (s *testSorter) Hash() uint64                { return s.id }
func (s *testSorter) TransactionalIDHash() uint64 { return 0 }
func (s *testSorter) Cacheable() bool             { return true }

func (s *testSorter) Instrument(r Recorder) Sorter {
	c := *s
	c.recorder = r
	return &c
}

func (s *testSorter) Restore(p Payload) (Sorter, error) {
	var values []int
	if err := p.Decode(&values); err != nil {
		return nil, err
	}
	c := *s
	c.restored = values
	return &c, nil
}

type testExtraResult struct {
	id       uint64
	cost     int64
	recorder Recorder
}

func (e *testExtraResult) EstimatedCost() int64        { return e.cost }
func (e *testExtraResult) Hash() uint64                { return e.id }
func (e *testExtraResult) TransactionalIDHash() uint64 { return 0 }
func (e *testExtraResult) Cacheable() bool             { return true }

func (e *testExtraResult) Instrument(r Recorder) ExtraResultComputer {
	c := *e
	c.recorder = r
	return &c
}

func (e *testExtraResult) Restore(Payload) (ExtraResultComputer, error) {
	c := *e
	return &c, nil
}

type testEntity struct {
	pk      int
	locales []string
}

func (e *testEntity) PrimaryKey() int   { return e.pk }
func (e *testEntity) EstimateSize() int { return 200 + 50*len(e.locales) }

// entityStore counts fetches and enrichments of a single entity.
type entityStore struct {
	pk       int
	entity   *testEntity
	fetches  atomic.Int32
	enriches atomic.Int32
}

func (s *entityStore) request(locale string) EntityRequest {
	return EntityRequest{
		PrimaryKey:   s.pk,
		EntityType:   "product",
		Requirements: 1,
		Fetch: func(context.Context) (Entity, error) {
			s.fetches.Add(1)
			if s.entity == nil {
				return nil, nil
			}
			return &testEntity{pk: s.pk, locales: slices.Clone(s.entity.locales)}, nil
		},
		Enrich: func(_ context.Context, e Entity) (Entity, bool, error) {
			te := e.(*testEntity)
			if locale == "" || slices.Contains(te.locales, locale) {
				return e, false, nil
			}
			s.enriches.Add(1)
			return &testEntity{pk: te.pk, locales: append(slices.Clone(te.locales), locale)}, true, nil
		},
	}
}

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu     sync.Mutex
	tasks  []func(ctx context.Context)
	delays []time.Duration
}

func (s *manualScheduler) Schedule(task func(ctx context.Context), delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.delays = append(s.delays, delay)
	return nil
}

func (s *manualScheduler) Execute(task func(ctx context.Context)) bool {
	return s.Schedule(task, 0) == nil
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// runPending runs the tasks queued so far. Tasks they queue stay pending.
func (s *manualScheduler) runPending(ctx context.Context) {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.delays = nil
	s.mu.Unlock()

	for _, task := range tasks {
		task(ctx)
	}
}

// recordingMetrics captures the metrics the cache emits.
type recordingMetrics struct {
	mu          sync.Mutex
	sizes       []int
	overloads   []int
	evaluations []observe.EvaluationReport
}

func (m *recordingMetrics) RecordAnteroomSize(_ context.Context, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, records)
}

func (m *recordingMetrics) RecordAnteroomOverload(_ context.Context, discarded int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overloads = append(m.overloads, discarded)
}

func (m *recordingMetrics) RecordEvaluation(_ context.Context, r observe.EvaluationReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations = append(m.evaluations, r)
}

func (m *recordingMetrics) lastEvaluation() observe.EvaluationReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.evaluations) == 0 {
		return observe.EvaluationReport{}
	}
	return m.evaluations[len(m.evaluations)-1]
}

// testConfig admits everything seen once that fits into 1000 bytes.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinimalComplexityThreshold = 10
	cfg.MinimalUsageThreshold = 1
	cfg.CacheSizeInBytes = 1000
	return cfg
}

func newTestEden(cfg Config) (*Eden, *recordingMetrics) {
	metrics := &recordingMetrics{}
	return NewEden(cfg, observe.Instrumentation{Metrics: metrics}), metrics
}

func batchOf(adepts ...*CacheRecordAdept) *Adepts {
	b := NewAdepts()
	for _, a := range adepts {
		b.Put(a)
	}
	return b
}

// evaluate hands adepts to e and runs a pass.
func evaluate(ctx context.Context, e *Eden, adepts ...*CacheRecordAdept) {
	e.SetNextAdeptsToEvaluate(ctx, batchOf(adepts...))
	e.EvaluateAdepts(ctx)
}

func tableSize(e *Eden) (records int, bytes int64) {
	e.table.Range(func(_, v any) bool {
		records++
		bytes += int64(v.(*CachedRecord).SizeInBytes)
		return true
	})
	return records, bytes
}
