package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// KindReport summarizes one record kind after an evaluation pass.
type KindReport struct {
	Kind          string
	Records       int
	OccupiedBytes int64
	Promoted      int
	Evicted       int
	Survived      int
}

// EvaluationReport summarizes one evaluation pass of the cache.
type EvaluationReport struct {
	Duration          time.Duration
	Records           int
	OccupiedBytes     int64
	Hits              int64
	Misses            int64
	Enrichments       int64
	Adepts            int
	AverageComplexity int64
	Failed            bool
	Kinds             []KindReport
}

// Metrics records cache statistics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordAnteroomSize records the number of adepts currently collected.
	RecordAnteroomSize(ctx context.Context, records int)

	// RecordAnteroomOverload records a batch discarded because the previous
	// batch had not been evaluated yet.
	RecordAnteroomOverload(ctx context.Context, discarded int)

	// RecordEvaluation records the outcome of an evaluation pass.
	RecordEvaluation(ctx context.Context, report EvaluationReport)
}

const kindKey = attribute.Key("record.kind")

type metricsImpl struct {
	anteroomRecords   metric.Int64Gauge
	anteroomDiscarded metric.Int64Counter
	evaluations       metric.Int64Counter
	duration          metric.Float64Histogram
	records           metric.Int64Gauge
	occupiedBytes     metric.Int64Gauge
	averageComplexity metric.Int64Gauge
	hits              metric.Int64Counter
	misses            metric.Int64Counter
	enrichments       metric.Int64Counter
	promoted          metric.Int64Counter
	evicted           metric.Int64Counter
	survived          metric.Int64Counter
}

// NewMetrics creates a Metrics instance registering its instruments on meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	m := &metricsImpl{}
	var err error

	if m.anteroomRecords, err = meter.Int64Gauge(
		"querycache.anteroom.records",
		metric.WithDescription("Number of adepts waiting in the anteroom"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.anteroomDiscarded, err = meter.Int64Counter(
		"querycache.anteroom.discarded",
		metric.WithDescription("Adepts discarded because evaluation fell behind"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.evaluations, err = meter.Int64Counter(
		"querycache.eden.evaluations",
		metric.WithDescription("Number of evaluation passes"),
		metric.WithUnit("{pass}"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram(
		"querycache.eden.evaluation.duration_ms",
		metric.WithDescription("Evaluation pass duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.records, err = meter.Int64Gauge(
		"querycache.eden.records",
		metric.WithDescription("Number of records held by the cache"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.occupiedBytes, err = meter.Int64Gauge(
		"querycache.eden.occupied_bytes",
		metric.WithDescription("Estimated bytes held by the cache"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.averageComplexity, err = meter.Int64Gauge(
		"querycache.eden.average_complexity",
		metric.WithDescription("Average cost to performance ratio of cached records"),
	); err != nil {
		return nil, err
	}
	if m.hits, err = meter.Int64Counter(
		"querycache.eden.hits",
		metric.WithDescription("Lookups answered from the cache"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.misses, err = meter.Int64Counter(
		"querycache.eden.misses",
		metric.WithDescription("Lookups not answered from the cache"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.enrichments, err = meter.Int64Counter(
		"querycache.eden.enrichments",
		metric.WithDescription("Cached entities enriched in place"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}
	if m.promoted, err = meter.Int64Counter(
		"querycache.eden.promoted",
		metric.WithDescription("Adepts admitted into the cache"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.evicted, err = meter.Int64Counter(
		"querycache.eden.evicted",
		metric.WithDescription("Records removed from the cache"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}
	if m.survived, err = meter.Int64Counter(
		"querycache.eden.survived",
		metric.WithDescription("Records kept across an evaluation pass"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *metricsImpl) RecordAnteroomSize(ctx context.Context, records int) {
	m.anteroomRecords.Record(ctx, int64(records))
}

func (m *metricsImpl) RecordAnteroomOverload(ctx context.Context, discarded int) {
	m.anteroomDiscarded.Add(ctx, int64(discarded))
}

func (m *metricsImpl) RecordEvaluation(ctx context.Context, r EvaluationReport) {
	m.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("failed", r.Failed)))
	m.duration.Record(ctx, float64(r.Duration.Milliseconds()))

	m.records.Record(ctx, int64(r.Records))
	m.occupiedBytes.Record(ctx, r.OccupiedBytes)
	m.averageComplexity.Record(ctx, r.AverageComplexity)

	m.hits.Add(ctx, r.Hits)
	m.misses.Add(ctx, r.Misses)
	m.enrichments.Add(ctx, r.Enrichments)

	for _, k := range r.Kinds {
		opt := metric.WithAttributes(kindKey.String(k.Kind))
		m.records.Record(ctx, int64(k.Records), opt)
		m.occupiedBytes.Record(ctx, k.OccupiedBytes, opt)
		m.promoted.Add(ctx, int64(k.Promoted), opt)
		m.evicted.Add(ctx, int64(k.Evicted), opt)
		m.survived.Add(ctx, int64(k.Survived), opt)
	}
}

type noopMetrics struct{}

// NoopMetrics returns a Metrics that records nothing.
func NoopMetrics() Metrics {
	return noopMetrics{}
}

func (noopMetrics) RecordAnteroomSize(context.Context, int)            {}
func (noopMetrics) RecordAnteroomOverload(context.Context, int)        {}
func (noopMetrics) RecordEvaluation(context.Context, EvaluationReport) {}

var (
	_ Metrics = (*metricsImpl)(nil)
	_ Metrics = noopMetrics{}
)
