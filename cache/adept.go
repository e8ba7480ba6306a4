package cache

import (
	"sync"
	"sync/atomic"
)

// RecordOverhead is the estimated fixed cost in bytes of holding a record.
const RecordOverhead = 64

// MaxRecordSize caps the estimated size of a single record. Adepts must be
// strictly smaller to be considered.
const MaxRecordSize = 1 << 20

// EstimateRecordSize returns the size a record holding a payload of
// payloadSize bytes is accounted with.
func EstimateRecordSize(payloadSize int) int {
	if payloadSize < 0 {
		payloadSize = 0
	}
	return payloadSize + RecordOverhead
}

// CacheRecordAdept is a candidate that has been computed at least once but is
// not held by the cache yet.
type CacheRecordAdept struct {
	RecordHash             uint64
	Kind                   RecordKind
	CostToPerformanceRatio int64
	SizeInBytes            int

	timesUsed atomic.Int32
}

// NewCacheRecordAdept creates an adept that has been used once.
func NewCacheRecordAdept(kind RecordKind, hash uint64, costToPerformanceRatio int64, sizeInBytes int) *CacheRecordAdept {
	if sizeInBytes < 0 {
		sizeInBytes = 0
	}
	a := &CacheRecordAdept{
		RecordHash:             hash,
		Kind:                   kind,
		CostToPerformanceRatio: costToPerformanceRatio,
		SizeInBytes:            sizeInBytes,
	}
	a.timesUsed.Store(1)
	return a
}

// Used records another sighting of the adept.
func (a *CacheRecordAdept) Used() {
	a.timesUsed.Add(1)
}

// TimesUsed returns the number of sightings.
func (a *CacheRecordAdept) TimesUsed() int {
	return int(a.timesUsed.Load())
}

// SpaceToPerformanceRatio returns the ranking score of the adept. Adepts seen
// fewer than minimalUsage times score zero.
func (a *CacheRecordAdept) SpaceToPerformanceRatio(minimalUsage int) int64 {
	return spaceToPerformance(a.CostToPerformanceRatio, a.TimesUsed(), minimalUsage)
}

func spaceToPerformance(ratio int64, timesUsed, minimalUsage int) int64 {
	if timesUsed < minimalUsage {
		return 0
	}
	return ratio * int64(timesUsed)
}

// Adepts is one batch of candidates keyed by record hash. It is safe for
// concurrent use.
type Adepts struct {
	m     sync.Map // uint64 -> *CacheRecordAdept
	count atomic.Int64
}

// NewAdepts creates an empty batch.
func NewAdepts() *Adepts {
	return &Adepts{}
}

// Len returns the number of distinct adepts.
func (b *Adepts) Len() int {
	if b == nil {
		return 0
	}
	return int(b.count.Load())
}

// Get returns the adept for hash, or nil.
func (b *Adepts) Get(hash uint64) *CacheRecordAdept {
	if b == nil {
		return nil
	}
	v, ok := b.m.Load(hash)
	if !ok {
		return nil
	}
	return v.(*CacheRecordAdept)
}

// Put inserts a or, when an adept with the same hash exists, marks the
// existing one used. It returns the adept held by the batch and whether a
// was inserted.
func (b *Adepts) Put(a *CacheRecordAdept) (*CacheRecordAdept, bool) {
	v, loaded := b.m.LoadOrStore(a.RecordHash, a)
	if loaded {
		existing := v.(*CacheRecordAdept)
		existing.Used()
		return existing, false
	}
	b.count.Add(1)
	return a, true
}

// Range calls fn for every adept until fn returns false.
func (b *Adepts) Range(fn func(a *CacheRecordAdept) bool) {
	if b == nil {
		return
	}
	b.m.Range(func(_, v any) bool {
		return fn(v.(*CacheRecordAdept))
	})
}
