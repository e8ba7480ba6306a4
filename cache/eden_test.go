package cache

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jonwraymond/querycache/observe"
)

func TestEden_AdmitsByRatioWithinBudget(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())

	evaluate(ctx, eden,
		NewCacheRecordAdept(KindFormula, 1, 10, 500),
		NewCacheRecordAdept(KindFormula, 2, 8, 700),
	)

	if eden.Record(1) == nil {
		t.Error("expected adept with the higher ratio to be admitted")
	}
	if eden.Record(2) != nil {
		t.Error("expected adept exceeding the budget to be rejected")
	}
	if got := eden.Stats().OccupiedBytes; got != 500 {
		t.Errorf("expected 500 occupied bytes, got %d", got)
	}
}

func TestEden_ByteBudgetInvariant(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	rng := rand.New(rand.NewPCG(7, 11))

	for pass := 0; pass < 5; pass++ {
		var adepts []*CacheRecordAdept
		for i := 0; i < 200; i++ {
			hash := rng.Uint64()
			size := 64 + rng.IntN(336)
			ratio := 1 + rng.Int64N(1000)
			adepts = append(adepts, NewCacheRecordAdept(KindFormula, hash, ratio, size))
		}
		evaluate(ctx, eden, adepts...)

		records, bytes := tableSize(eden)
		if bytes > 1000 {
			t.Fatalf("pass %d: expected at most 1000 bytes, got %d in %d records", pass, bytes, records)
		}
		if got := eden.Stats().OccupiedBytes; got != bytes {
			t.Errorf("pass %d: expected occupied bytes %d, got %d", pass, bytes, got)
		}
		if got := eden.Stats().Records; got != records {
			t.Errorf("pass %d: expected %d records, got %d", pass, records, got)
		}
	}
}

func TestEden_TieBreakByHash(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())

	evaluate(ctx, eden,
		NewCacheRecordAdept(KindFormula, 9, 10, 600),
		NewCacheRecordAdept(KindFormula, 3, 10, 600),
	)

	if eden.Record(3) == nil || eden.Record(9) != nil {
		t.Error("expected the lower hash to win a tie")
	}
}

func TestEden_AdeptFilters(t *testing.T) {
	ctx := context.Background()

	t.Run("size and ratio", func(t *testing.T) {
		cfg := testConfig()
		cfg.CacheSizeInBytes = 10 << 20
		cfg.MinimalSpaceToPerformanceRatio = 50
		eden, _ := newTestEden(cfg)

		evaluate(ctx, eden,
			NewCacheRecordAdept(KindFormula, 1, 1000, MaxRecordSize),
			NewCacheRecordAdept(KindFormula, 2, 50, 100),
			NewCacheRecordAdept(KindFormula, 3, 51, 100),
		)

		if eden.Record(1) != nil {
			t.Error("expected oversized adept to be skipped")
		}
		if eden.Record(2) != nil {
			t.Error("expected adept not exceeding the minimal ratio to be skipped")
		}
		if eden.Record(3) == nil {
			t.Error("expected adept above the minimal ratio to be admitted")
		}
	})

	t.Run("usage", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinimalUsageThreshold = 2
		eden, _ := newTestEden(cfg)

		once := NewCacheRecordAdept(KindFormula, 1, 100, 100)
		twice := NewCacheRecordAdept(KindFormula, 2, 100, 100)
		twice.Used()
		evaluate(ctx, eden, once, twice)

		if eden.Record(1) != nil {
			t.Error("expected adept used once to be skipped")
		}
		if eden.Record(2) == nil {
			t.Error("expected adept used twice to be admitted")
		}
	})
}

func TestEden_ExistingRecordDisplaced(t *testing.T) {
	ctx := context.Background()
	eden, metrics := newTestEden(testConfig())

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 1, 10, 600))
	evaluate(ctx, eden, NewCacheRecordAdept(KindSortedResult, 2, 20, 600))

	if eden.Record(1) != nil {
		t.Error("expected existing record with the lower ratio to be evicted")
	}
	if eden.Record(2) == nil {
		t.Error("expected adept with the higher ratio to be admitted")
	}

	report := metrics.lastEvaluation()
	for _, k := range report.Kinds {
		switch k.Kind {
		case "formula":
			if k.Evicted != 1 {
				t.Errorf("expected 1 evicted formula, got %d", k.Evicted)
			}
		case "sorted_result":
			if k.Promoted != 1 {
				t.Errorf("expected 1 promoted sorted result, got %d", k.Promoted)
			}
		}
	}
}

func TestEden_EmptySlotPopulatesThenHits(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	f := newFormula(1, 100)

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))

	got, err := eden.GetCachedRecord(ctx, f, KindFormula, 42)
	if err != nil {
		t.Fatalf("GetCachedRecord failed: %v", err)
	}
	instrumented, ok := got.(*testFormula)
	if !ok || instrumented.recorder == nil {
		t.Fatalf("expected instrumented formula for an empty slot, got %#v", got)
	}
	if eden.Record(42).Initialized() {
		t.Fatal("expected slot to stay empty before the computation runs")
	}

	instrumented.Compute(ctx)
	if !eden.Record(42).Initialized() {
		t.Fatal("expected slot to be populated after the computation")
	}

	got, err = eden.GetCachedRecord(ctx, f, KindFormula, 42)
	if err != nil {
		t.Fatalf("GetCachedRecord failed: %v", err)
	}
	restored, ok := got.(*testFormula)
	if !ok || restored.restored == nil {
		t.Fatalf("expected restored formula, got %#v", got)
	}
	if !slices.Equal(restored.Compute(ctx), []int{1}) {
		t.Errorf("expected restored result [1], got %v", restored.Compute(ctx))
	}

	stats := eden.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d and %d", stats.Hits, stats.Misses)
	}
}

func TestEden_MissOnAbsentOrOtherKind(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))

	if got, _ := eden.GetCachedRecord(ctx, newFormula(1, 100), KindFormula, 7); got != nil {
		t.Errorf("expected miss for absent hash, got %v", got)
	}
	if got, _ := eden.GetCachedRecord(ctx, &testSorter{id: 42}, KindSortedResult, 42); got != nil {
		t.Errorf("expected miss for a record of another kind, got %v", got)
	}
	if got := eden.Stats().Misses; got != 2 {
		t.Errorf("expected 2 misses, got %d", got)
	}
}

func TestEden_StaleFingerprint(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	f := newFormula(1, 100)

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))
	got, _ := eden.GetCachedRecord(ctx, f, KindFormula, 42)
	got.(*testFormula).Compute(ctx)

	changed := newFormula(1, 100)
	changed.txHash = 99
	if got, _ := eden.GetCachedRecord(ctx, changed, KindFormula, 42); got != nil {
		t.Fatalf("expected miss for another fingerprint, got %v", got)
	}
	if !eden.Record(42).Stale() {
		t.Error("expected record to be marked stale")
	}

	evaluate(ctx, eden)
	if eden.Record(42) != nil {
		t.Error("expected stale record to be evicted by the next pass")
	}
}

func TestEden_CooldownEviction(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))

	for pass := 1; pass <= CoolEnough; pass++ {
		evaluate(ctx, eden)
		if eden.Record(42) == nil {
			t.Fatalf("expected record to survive unused pass %d", pass)
		}
	}

	evaluate(ctx, eden)
	if eden.Record(42) != nil {
		t.Error("expected record to be evicted after more than CoolEnough unused passes")
	}
}

func TestEden_UseResetsCooldown(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	f := newFormula(1, 100)

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))
	got, _ := eden.GetCachedRecord(ctx, f, KindFormula, 42)
	got.(*testFormula).Compute(ctx)

	for pass := 0; pass < 2*CoolEnough; pass++ {
		if _, err := eden.GetCachedRecord(ctx, f, KindFormula, 42); err != nil {
			t.Fatalf("GetCachedRecord failed: %v", err)
		}
		evaluate(ctx, eden)
	}

	rec := eden.Record(42)
	if rec == nil {
		t.Fatal("expected used record to survive")
	}
	if rec.Cooldown() != 0 {
		t.Errorf("expected cooldown 0, got %d", rec.Cooldown())
	}
}

func TestEden_HandOffLastWriteWins(t *testing.T) {
	ctx := context.Background()
	eden, metrics := newTestEden(testConfig())

	eden.SetNextAdeptsToEvaluate(ctx, batchOf(NewCacheRecordAdept(KindFormula, 1, 10, 100)))
	eden.SetNextAdeptsToEvaluate(ctx, batchOf(NewCacheRecordAdept(KindFormula, 2, 10, 100)))
	eden.EvaluateAdepts(ctx)

	if eden.Record(1) != nil {
		t.Error("expected the discarded batch to have no influence")
	}
	if eden.Record(2) == nil {
		t.Error("expected the latest batch to be evaluated")
	}
	if got := eden.Stats().Overloads; got != 1 {
		t.Errorf("expected 1 overload, got %d", got)
	}
	if len(metrics.overloads) != 1 || metrics.overloads[0] != 1 {
		t.Errorf("expected overload of 1 discarded adept, got %v", metrics.overloads)
	}
}

func TestEden_EmptyBatchKeepsPending(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())

	eden.SetNextAdeptsToEvaluate(ctx, batchOf(NewCacheRecordAdept(KindFormula, 1, 10, 100)))
	eden.SetNextAdeptsToEvaluate(ctx, NewAdepts())
	if !eden.IsAdeptsWaitingForEvaluation() {
		t.Fatal("expected batch to be waiting")
	}
	eden.EvaluateAdepts(ctx)

	if eden.Record(1) == nil {
		t.Error("expected the pending batch to survive an empty hand-off")
	}
	if eden.IsAdeptsWaitingForEvaluation() {
		t.Error("expected no batch waiting after evaluation")
	}
	if got := eden.Stats().Overloads; got != 0 {
		t.Errorf("expected no overload, got %d", got)
	}
}

func TestEden_NothingPending(t *testing.T) {
	eden, metrics := newTestEden(testConfig())

	if hint := eden.EvaluateAdepts(context.Background()); hint != 0 {
		t.Errorf("expected hint 0, got %d", hint)
	}
	if len(metrics.evaluations) != 0 {
		t.Errorf("expected no evaluation without a pending batch, got %d", len(metrics.evaluations))
	}
}

func TestEden_EntityEnrichedOnce(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	store := &entityStore{pk: 7, entity: &testEntity{pk: 7, locales: []string{"en"}}}
	hash := NewDefaultHasher().EntityHash("shop", "product", 7, false)

	evaluate(ctx, eden, NewCacheRecordAdept(KindEntity, hash, 10, 300))

	got, err := eden.GetCachedRecord(ctx, newEntityComputation(store.request(""), 10, false), KindEntity, hash)
	if err != nil {
		t.Fatalf("GetCachedRecord failed: %v", err)
	}
	if got == nil || store.fetches.Load() != 1 {
		t.Fatalf("expected empty slot to be populated by one fetch, got %v after %d fetches", got, store.fetches.Load())
	}

	for i := 0; i < 2; i++ {
		got, err = eden.GetCachedRecord(ctx, newEntityComputation(store.request("de"), 10, false), KindEntity, hash)
		if err != nil {
			t.Fatalf("GetCachedRecord failed: %v", err)
		}
		entity := got.(*testEntity)
		if !slices.Equal(entity.locales, []string{"en", "de"}) {
			t.Errorf("lookup %d: expected locales [en de], got %v", i, entity.locales)
		}
	}

	if got := store.enriches.Load(); got != 1 {
		t.Errorf("expected 1 enrichment, got %d", got)
	}
	if got := eden.Stats().Enrichments; got != 1 {
		t.Errorf("expected enrichments counter 1, got %d", got)
	}
	if got := store.fetches.Load(); got != 1 {
		t.Errorf("expected no further fetches, got %d", got)
	}
}

func TestEden_EntityNotFoundOnPopulate(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	store := &entityStore{pk: 7}
	hash := NewDefaultHasher().EntityHash("shop", "product", 7, false)

	evaluate(ctx, eden, NewCacheRecordAdept(KindEntity, hash, 10, 300))

	_, err := eden.GetCachedRecord(ctx, newEntityComputation(store.request(""), 10, false), KindEntity, hash)
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
	if eden.Record(hash).Initialized() {
		t.Error("expected slot to stay empty")
	}
}

func TestEden_UnexpectedComputationIsAssertionFailure(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 5, 10, 100))

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok {
			t.Fatalf("expected panic with an error, got %v", r)
		}
		if !errors.IsAssertionFailure(err) {
			t.Errorf("expected assertion failure, got %v", err)
		}
	}()
	_, _ = eden.GetCachedRecord(ctx, plainComputation{hash: 5}, KindFormula, 5)
}

func TestEden_EvaluationFailureRecovered(t *testing.T) {
	ctx := context.Background()
	eden, metrics := newTestEden(testConfig())

	evaluate(ctx, eden, NewCacheRecordAdept(RecordKind(99), 1, 10, 100))

	if !eden.Stats().LastFailed {
		t.Error("expected failed evaluation to be reported")
	}
	if !metrics.lastEvaluation().Failed {
		t.Error("expected failed evaluation in metrics")
	}

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 2, 10, 100))
	if eden.Stats().LastFailed {
		t.Error("expected next evaluation to succeed")
	}
	if eden.Record(2) == nil {
		t.Error("expected cache to keep working after a failed evaluation")
	}
}

func TestEden_FailedEvaluationLeavesTableUnchanged(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 7, 10, 100))
	for pass := 1; pass <= CoolEnough; pass++ {
		evaluate(ctx, eden)
	}
	held := eden.Record(7)
	if held == nil || held.Cooldown() != CoolEnough {
		t.Fatalf("expected record 7 cooled to %d, got %v", CoolEnough, held)
	}
	before := eden.Stats()

	evaluate(ctx, eden,
		NewCacheRecordAdept(KindFormula, 8, 1000, 100),
		NewCacheRecordAdept(RecordKind(99), 9, 10, 100),
	)

	after := eden.Stats()
	if !after.LastFailed {
		t.Fatal("expected the pass to fail")
	}
	if eden.Record(7) != held {
		t.Error("expected record 7 to stay in place")
	}
	if held.Cooldown() != CoolEnough {
		t.Errorf("expected cooldown %d untouched, got %d", CoolEnough, held.Cooldown())
	}
	if eden.Record(8) != nil || eden.Record(9) != nil {
		t.Error("expected no promotion from a failed pass")
	}
	if after.Records != before.Records || after.OccupiedBytes != before.OccupiedBytes {
		t.Errorf("expected counters unchanged, got %+v, want %+v", after, before)
	}
	if records, bytes := tableSize(eden); records != after.Records || bytes != after.OccupiedBytes {
		t.Errorf("expected counters to match the table, got %d records %d bytes", records, bytes)
	}

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 8, 1000, 100))
	if eden.Record(7) != nil {
		t.Error("expected record 7 evicted by the next pass")
	}
	if eden.Record(8) == nil {
		t.Error("expected record 8 admitted by the next pass")
	}
}

func TestEden_EvaluationSpan(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	eden := NewEden(testConfig(), observe.Instrumentation{Tracer: observe.NewTracer(tp.Tracer("test"))})

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 1, 10, 100))
	evaluate(ctx, eden, NewCacheRecordAdept(RecordKind(99), 2, 10, 100))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, span := range spans {
		if span.Name() != "querycache.eden.evaluate" {
			t.Errorf("expected querycache.eden.evaluate, got %s", span.Name())
		}
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("expected first pass to succeed")
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("expected failed pass to mark the span, got %v", spans[1].Status().Code)
	}
}

func TestEden_HitOnReplacedSlotKeepsRecordWarm(t *testing.T) {
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	f := newFormula(1, 100)

	evaluate(ctx, eden, NewCacheRecordAdept(KindFormula, 42, 10, 100))
	evaluate(ctx, eden)
	empty := eden.Record(42)
	if empty.Cooldown() != 1 {
		t.Fatalf("expected cooldown 1, got %d", empty.Cooldown())
	}

	got, _ := eden.GetCachedRecord(ctx, f, KindFormula, 42)
	got.(*testFormula).Compute(ctx)
	if eden.Record(42) == empty {
		t.Fatal("expected completion to replace the slot")
	}

	// a hit that loaded the slot before completion replaced it
	empty.markUsed()
	evaluate(ctx, eden)

	current := eden.Record(42)
	if current == nil {
		t.Fatal("expected record to survive")
	}
	if current.Cooldown() != 0 {
		t.Errorf("expected the hit to reset cooldown, got %d", current.Cooldown())
	}
	if current.TimesUsed() != 2 {
		t.Errorf("expected the hit to count, got %d", current.TimesUsed())
	}
}

func TestEden_EvaluationReport(t *testing.T) {
	ctx := context.Background()
	eden, metrics := newTestEden(testConfig())

	evaluate(ctx, eden,
		NewCacheRecordAdept(KindFormula, 1, 10, 100),
		NewCacheRecordAdept(KindEntity, 2, 30, 200),
	)
	_, _ = eden.GetCachedRecord(ctx, newFormula(1, 100), KindFormula, 3)
	evaluate(ctx, eden)

	report := metrics.lastEvaluation()
	if report.Records != 2 {
		t.Errorf("expected 2 records, got %d", report.Records)
	}
	if report.OccupiedBytes != 300 {
		t.Errorf("expected 300 occupied bytes, got %d", report.OccupiedBytes)
	}
	if report.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", report.Misses)
	}
	if report.AverageComplexity != 20 {
		t.Errorf("expected average complexity 20, got %d", report.AverageComplexity)
	}
	if len(report.Kinds) != len(RecordKinds) {
		t.Fatalf("expected %d kind reports, got %d", len(RecordKinds), len(report.Kinds))
	}
	if got := eden.Stats().Misses; got != 0 {
		t.Errorf("expected rolling counters reset, got %d misses", got)
	}
}

func TestEden_EvaluationSkippedWhileGateHeld(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the evaluation gate")
	}
	ctx := context.Background()
	eden, _ := newTestEden(testConfig())
	eden.SetNextAdeptsToEvaluate(ctx, batchOf(NewCacheRecordAdept(KindFormula, 1, 10, 100)))

	if !eden.gate.acquire(0) {
		t.Fatal("expected to acquire the gate")
	}
	start := time.Now()
	eden.EvaluateAdepts(ctx)
	eden.gate.release()

	if elapsed := time.Since(start); elapsed < evaluationWait {
		t.Errorf("expected to wait %v for the gate, waited %v", evaluationWait, elapsed)
	}
	if !eden.IsAdeptsWaitingForEvaluation() {
		t.Error("expected batch to stay pending")
	}
	if eden.Record(1) != nil {
		t.Error("expected no admission while the gate was held")
	}
	if got := eden.Stats().SkippedEvaluations; got != 1 {
		t.Errorf("expected 1 skipped evaluation, got %d", got)
	}
}

func TestEvaluationBuffer_Compaction(t *testing.T) {
	buf := newEvaluationBuffer(2)
	buf.add(evaluationEntry{hash: 1, size: 600, ratio: 10, existing: true}, 1000)
	buf.add(evaluationEntry{hash: 2, size: 600, ratio: 5, existing: true}, 1000)
	buf.add(evaluationEntry{hash: 3, size: 100, ratio: 1}, 1000)

	if len(buf.entries) != 2 {
		t.Fatalf("expected 2 entries after compaction, got %d", len(buf.entries))
	}
	if _, ok := buf.expired[2]; !ok {
		t.Error("expected dropped existing record to be routed to eviction")
	}
}

func TestEvaluationBuffer_FullAfterCompaction(t *testing.T) {
	buf := newEvaluationBuffer(1)
	buf.add(evaluationEntry{hash: 1, size: 100, ratio: 10}, 1000)

	defer func() {
		err, ok := recover().(error)
		if !ok || !errors.IsAssertionFailure(err) {
			t.Errorf("expected assertion failure, got %v", err)
		}
	}()
	buf.add(evaluationEntry{hash: 2, size: 100, ratio: 5}, 1000)
}
