package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/querycache/bloom"
	"github.com/jonwraymond/querycache/cache"
)

// zipfSkew shapes the query distribution. Larger values concentrate traffic
// on fewer queries.
const zipfSkew = 1.2

type session struct{}

func (session) CatalogName() string { return "sim" }
func (session) ReadOnly() bool      { return true }

type result struct {
	values []uint64
	cost   int64
}

func (r result) Value() any                    { return r.values }
func (r result) SizeEstimate() int             { return 8 * len(r.values) }
func (r result) CostToPerformanceRatio() int64 { return r.cost }

// query is a synthetic filtering formula. Its result is the list of ids
// below id with the same remainder modulo width.
type query struct {
	id       uint64
	width    uint64
	version  uint64
	children []cache.Formula

	recorder  cache.Recorder
	fromCache bool
	cached    []uint64
}

func newQuery(id, version uint64) *query {
	return &query{
		id:      id,
		width:   1 + id%7,
		version: version,
		children: []cache.Formula{
			&query{id: id * 31, width: 3, version: version},
			&query{id: id*31 + 1, width: 5, version: version},
		},
	}
}

func (q *query) EstimatedCost() int64 {
	cost := int64(q.id/q.width) * 1000
	for _, c := range q.children {
		cost += c.EstimatedCost()
	}
	return cost
}

func (q *query) Hash() uint64 {
	values := []uint64{q.id, q.width}
	for _, c := range q.children {
		values = append(values, c.Hash())
	}
	return cache.HashLongs(values...)
}

func (q *query) TransactionalIDHash() uint64 { return cache.HashVersionSet([]uint64{q.version}) }
func (q *query) Children() []cache.Formula   { return q.children }
func (q *query) Cacheable() bool             { return true }

func (q *query) WithChildren(children []cache.Formula) cache.Formula {
	c := *q
	c.children = children
	return &c
}

func (q *query) Instrument(r cache.Recorder) cache.Formula {
	c := *q
	c.recorder = r
	return &c
}

func (q *query) Restore(p cache.Payload) (cache.Formula, error) {
	c := *q
	if err := p.Decode(&c.cached); err != nil {
		return nil, err
	}
	c.fromCache = true
	return &c, nil
}

// compute returns the result and whether it came from the cache.
func (q *query) compute(ctx context.Context) ([]uint64, bool) {
	if q.fromCache {
		return q.cached, true
	}
	var values []uint64
	for v := q.id % q.width; v < q.id; v += q.width {
		values = append(values, v)
	}
	for _, c := range q.children {
		if cq, ok := c.(*query); ok {
			cq.compute(ctx)
		}
	}
	if q.recorder != nil {
		q.recorder.Record(ctx, result{values: values, cost: q.EstimatedCost()})
	}
	return values, false
}

// workload drives queries through a supervisor.
type workload struct {
	queries  int
	workers  int
	distinct int
	seed     int64

	// versionEvery bumps the dataset version after that many queries.
	// Zero keeps the version fixed.
	versionEvery int
}

type report struct {
	Queries  int64
	Cached   int64
	Computed int64
	Distinct int64
	Versions uint64
}

func (w workload) run(ctx context.Context, sup cache.Supervisor) (report, error) {
	if w.workers <= 0 || w.distinct <= 1 || w.queries <= 0 {
		return report{}, fmt.Errorf("invalid workload: %d queries, %d workers, %d distinct", w.queries, w.workers, w.distinct)
	}
	seen, err := bloom.New(w.distinct, 0.01)
	if err != nil {
		return report{}, err
	}

	var (
		issued   atomic.Int64
		cached   atomic.Int64
		computed atomic.Int64
		distinct atomic.Int64
		version  atomic.Uint64
	)

	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < w.workers; worker++ {
		rng := rand.New(rand.NewSource(w.seed + int64(worker)))
		zipf := rand.NewZipf(rng, zipfSkew, 1, uint64(w.distinct-1))

		g.Go(func() error {
			for {
				n := issued.Add(1)
				if n > int64(w.queries) {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if w.versionEvery > 0 && n%int64(w.versionEvery) == 0 {
					version.Add(1)
				}

				// Approximate: concurrent first sightings may both count.
				id := zipf.Uint64() + 1
				if !seen.MightBePresent(id) {
					seen.Add(id)
					distinct.Add(1)
				}

				f := sup.AnalyseFormula(ctx, session{}, "document", newQuery(id, version.Load()))
				q, ok := f.(*query)
				if !ok {
					return fmt.Errorf("unexpected formula %T", f)
				}
				if _, hit := q.compute(ctx); hit {
					cached.Add(1)
				} else {
					computed.Add(1)
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return report{
		Queries:  cached.Load() + computed.Load(),
		Cached:   cached.Load(),
		Computed: computed.Load(),
		Distinct: distinct.Load(),
		Versions: version.Load() + 1,
	}, nil
}
