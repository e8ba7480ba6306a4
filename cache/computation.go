package cache

import "context"

// Session is the query session a computation belongs to.
type Session interface {
	// CatalogName returns the catalog the session reads.
	CatalogName() string

	// ReadOnly reports whether the session can see uncommitted writes.
	// Only read-only sessions use the cache.
	ReadOnly() bool
}

// Computation is anything whose result the cache can hold.
//
// Contract:
// - Determinism: Hash must be identical for structurally identical computations.
// - TransactionalIDHash fingerprints the dataset versions the result depends on.
type Computation interface {
	EstimatedCost() int64
	Hash() uint64
	TransactionalIDHash() uint64
}

// Result is what an instrumented computation reports once it has computed.
type Result interface {
	// Value returns the msgpack-encodable result.
	Value() any

	// SizeEstimate returns the estimated in-memory size of Value in bytes.
	SizeEstimate() int

	// CostToPerformanceRatio scores how much recomputation the result saves.
	CostToPerformanceRatio() int64
}

// Recorder receives the result of an instrumented computation. Computations
// call Record at most once, after their first real computation.
type Recorder interface {
	Record(ctx context.Context, r Result)
}

// Formula is a node of a filtering computation tree.
type Formula interface {
	Computation

	// Children returns the direct inner formulas.
	Children() []Formula

	// WithChildren returns a copy of the formula with children replaced.
	WithChildren(children []Formula) Formula
}

// CacheableFormula is a formula whose result can be cached.
type CacheableFormula interface {
	Formula

	// Cacheable reports whether this instance may be cached.
	Cacheable() bool

	// Instrument returns a copy that reports its result to r.
	Instrument(r Recorder) Formula

	// Restore returns a formula answering from a cached payload.
	Restore(p Payload) (Formula, error)
}

// NonCacheableScope marks formulas whose subtree depends on request-scoped
// input. Nothing beneath or above them may be cached.
type NonCacheableScope interface {
	Formula
	NonCacheableScope()
}

// PriceTerminationFormula marks cacheable formulas that stay cacheable inside
// a non-cacheable scope.
type PriceTerminationFormula interface {
	CacheableFormula
	PriceTermination()
}

// Sorter orders the results of a query.
type Sorter interface {
	Computation
}

// CacheableSorter is a sorter whose sorted result can be cached.
type CacheableSorter interface {
	Sorter
	Cacheable() bool
	Instrument(r Recorder) Sorter
	Restore(p Payload) (Sorter, error)
}

// ExtraResultComputer computes auxiliary query results such as facet summaries.
type ExtraResultComputer interface {
	Computation
}

// CacheableExtraResultComputer is an extra result computer whose result can
// be cached.
type CacheableExtraResultComputer interface {
	ExtraResultComputer
	Cacheable() bool
	Instrument(r Recorder) ExtraResultComputer
	Restore(p Payload) (ExtraResultComputer, error)
}

// instrumentable unifies the cacheable computation kinds for Eden.
type instrumentable interface {
	instrument(r Recorder) any
	restore(p Payload) (any, error)
}

type formulaAdapter struct{ f CacheableFormula }

func (a formulaAdapter) instrument(r Recorder) any      { return a.f.Instrument(r) }
func (a formulaAdapter) restore(p Payload) (any, error) { return a.f.Restore(p) }

type sorterAdapter struct{ s CacheableSorter }

func (a sorterAdapter) instrument(r Recorder) any      { return a.s.Instrument(r) }
func (a sorterAdapter) restore(p Payload) (any, error) { return a.s.Restore(p) }

type extraResultAdapter struct{ c CacheableExtraResultComputer }

func (a extraResultAdapter) instrument(r Recorder) any      { return a.c.Instrument(r) }
func (a extraResultAdapter) restore(p Payload) (any, error) { return a.c.Restore(p) }

// asInstrumentable returns the adapter for c when c is the cacheable type
// kind expects.
func asInstrumentable(kind RecordKind, c Computation) (instrumentable, bool) {
	switch kind {
	case KindFormula:
		if f, ok := c.(CacheableFormula); ok {
			return formulaAdapter{f}, true
		}
	case KindSortedResult:
		if s, ok := c.(CacheableSorter); ok {
			return sorterAdapter{s}, true
		}
	case KindExtraResult:
		if e, ok := c.(CacheableExtraResultComputer); ok {
			return extraResultAdapter{e}, true
		}
	}
	return nil, false
}
