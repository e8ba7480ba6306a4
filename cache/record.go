package cache

import "sync/atomic"

// CoolEnough is the number of evaluation passes a record may go unused
// before it is evicted.
const CoolEnough = 3

type slotState uint8

const (
	slotEmpty slotState = iota
	slotPopulated
)

// CachedRecord is a slot of the cache. A slot is admitted empty and becomes
// populated when the first computation for it finishes. Populated slots are
// never mutated; completion and enrichment replace the slot.
type CachedRecord struct {
	RecordHash             uint64
	Kind                   RecordKind
	CostToPerformanceRatio int64
	SizeInBytes            int
	TransactionalIDHash    uint64

	state   slotState
	payload Payload
	entity  Entity

	// usage is shared by every copy of the slot. Hits on a replaced copy
	// count for the current one.
	usage *recordUsage
}

// recordUsage is the mutable bookkeeping of a slot.
type recordUsage struct {
	timesUsed atomic.Int32
	cooldown  atomic.Int32
	used      atomic.Bool
	stale     atomic.Bool
}

func newEmptyRecord(a *CacheRecordAdept) *CachedRecord {
	r := &CachedRecord{
		RecordHash:             a.RecordHash,
		Kind:                   a.Kind,
		CostToPerformanceRatio: a.CostToPerformanceRatio,
		SizeInBytes:            a.SizeInBytes,
		usage:                  &recordUsage{},
	}
	r.usage.timesUsed.Store(int32(a.TimesUsed()))
	return r
}

// Initialized reports whether the slot holds a result.
func (r *CachedRecord) Initialized() bool {
	return r.state == slotPopulated
}

// Payload returns the serialized result of a populated formula, sorter or
// extra result slot.
func (r *CachedRecord) Payload() (Payload, bool) {
	return r.payload, r.state == slotPopulated && r.Kind != KindEntity
}

// Entity returns the entity of a populated entity slot.
func (r *CachedRecord) Entity() (Entity, bool) {
	return r.entity, r.state == slotPopulated && r.Kind == KindEntity
}

// TimesUsed returns how often the record was requested, including the
// sightings it collected as an adept.
func (r *CachedRecord) TimesUsed() int {
	return int(r.usage.timesUsed.Load())
}

// Cooldown returns the number of passes the record went unused.
func (r *CachedRecord) Cooldown() int {
	return int(r.usage.cooldown.Load())
}

// Stale reports whether a lookup found the record computed against other
// dataset versions.
func (r *CachedRecord) Stale() bool {
	return r.usage.stale.Load()
}

// SpaceToPerformanceRatio returns the ranking score of the record.
func (r *CachedRecord) SpaceToPerformanceRatio(minimalUsage int) int64 {
	return spaceToPerformance(r.CostToPerformanceRatio, r.TimesUsed(), minimalUsage)
}

func (r *CachedRecord) markUsed() {
	r.usage.timesUsed.Add(1)
	r.usage.used.Store(true)
}

func (r *CachedRecord) markStale() {
	r.usage.stale.Store(true)
}

// nextCooldown returns the cooldown cool would set, without changing it.
func (r *CachedRecord) nextCooldown() int {
	if r.usage.used.Load() {
		return 0
	}
	return int(r.usage.cooldown.Load()) + 1
}

// cool advances the cooldown by one pass and returns it. A record used since
// the previous pass is reset to zero.
func (r *CachedRecord) cool() int {
	if r.usage.used.Swap(false) {
		r.usage.cooldown.Store(0)
		return 0
	}
	return int(r.usage.cooldown.Add(1))
}

// populated returns a populated copy of the slot sharing its usage.
func (r *CachedRecord) populated(transactionalIDHash uint64, payload Payload, entity Entity) *CachedRecord {
	return &CachedRecord{
		RecordHash:             r.RecordHash,
		Kind:                   r.Kind,
		CostToPerformanceRatio: r.CostToPerformanceRatio,
		SizeInBytes:            r.SizeInBytes,
		TransactionalIDHash:    transactionalIDHash,
		state:                  slotPopulated,
		payload:                payload,
		entity:                 entity,
		usage:                  r.usage,
	}
}
