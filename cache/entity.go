package cache

import "context"

// Entity is a fetched database entity.
type Entity interface {
	PrimaryKey() int

	// EstimateSize returns the estimated in-memory size in bytes.
	EstimateSize() int
}

// EntityFetcher loads an entity from the store. It returns (nil, nil) when
// the entity does not exist.
type EntityFetcher func(ctx context.Context) (Entity, error)

// EntityEnricher loads the parts of e the current request needs but e lacks.
// It reports false when e already satisfies the request.
type EntityEnricher func(ctx context.Context, e Entity) (Entity, bool, error)

// EntityRequest describes an entity fetch by primary key.
type EntityRequest struct {
	PrimaryKey int
	EntityType string

	// Requirements is the number of content requirements of the fetch.
	Requirements int

	// TransactionalIDHash fingerprints the dataset versions the entity is read at.
	TransactionalIDHash uint64

	Fetch  EntityFetcher
	Enrich EntityEnricher
}

// entityComputation presents an entity fetch to Eden as a computation.
type entityComputation struct {
	req   EntityRequest
	ratio int64
}

func newEntityComputation(req EntityRequest, minimalComplexityThreshold int64, binary bool) *entityComputation {
	if binary {
		req.Enrich = nil
	}
	return &entityComputation{
		req:   req,
		ratio: int64(req.Requirements+1) * minimalComplexityThreshold,
	}
}

func (c *entityComputation) EstimatedCost() int64          { return c.ratio }
func (c *entityComputation) Hash() uint64                  { return uint64(c.req.PrimaryKey) }
func (c *entityComputation) TransactionalIDHash() uint64   { return c.req.TransactionalIDHash }
func (c *entityComputation) CostToPerformanceRatio() int64 { return c.ratio }

func (c *entityComputation) fetch(ctx context.Context) (Entity, error) {
	if c.req.Fetch == nil {
		return nil, ErrEntityNotFound
	}
	e, err := c.req.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntityNotFound
	}
	return e, nil
}

// enrich returns the entity to serve and whether it differs from cached.
func (c *entityComputation) enrich(ctx context.Context, cached Entity) (Entity, bool, error) {
	if c.req.Enrich == nil {
		return cached, false, nil
	}
	enriched, changed, err := c.req.Enrich(ctx, cached)
	if err != nil {
		return nil, false, err
	}
	if !changed || enriched == nil {
		return cached, false, nil
	}
	return enriched, true, nil
}

var _ Computation = (*entityComputation)(nil)
