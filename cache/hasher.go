package cache

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// binaryEntityDiscriminator keeps binary entity records apart from rich
// entity records of the same primary key.
const binaryEntityDiscriminator = 0xb1_7e_5e_ed

// Hasher derives record hashes.
//
// Contract:
// - Determinism: same inputs must produce the same hash across processes.
// - Concurrency: implementations must be safe for concurrent use.
type Hasher interface {
	// RecordHash derives the key of a computation result within a catalog
	// and entity type.
	RecordHash(catalog, entityType string, c Computation) uint64

	// EntityHash derives the key of an entity fetched by primary key.
	EntityHash(catalog, entityType string, primaryKey int, binary bool) uint64
}

// DefaultHasher hashes with xxhash64.
type DefaultHasher struct{}

// NewDefaultHasher creates a new default hasher.
func NewDefaultHasher() *DefaultHasher {
	return &DefaultHasher{}
}

// RecordHash combines the catalog, the entity type and the computation's own
// structural hash.
func (h *DefaultHasher) RecordHash(catalog, entityType string, c Computation) uint64 {
	return HashLongs(
		xxhash.Sum64String(catalog),
		xxhash.Sum64String(entityType),
		c.Hash(),
	)
}

// EntityHash combines the catalog, the primary key and the entity type.
func (h *DefaultHasher) EntityHash(catalog, entityType string, primaryKey int, binary bool) uint64 {
	values := []uint64{
		xxhash.Sum64String(catalog),
		uint64(primaryKey),
		xxhash.Sum64String(entityType),
	}
	if binary {
		values = append(values, binaryEntityDiscriminator)
	}
	return HashLongs(values...)
}

// HashLongs hashes a sequence of 64-bit values. Order matters.
func HashLongs(values ...uint64) uint64 {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return xxhash.Sum64(buf)
}

// HashVersionSet fingerprints a set of dataset version identifiers. The
// result does not depend on the order of ids.
func HashVersionSet(ids []uint64) uint64 {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return HashLongs(sorted...)
}

var _ Hasher = (*DefaultHasher)(nil)
