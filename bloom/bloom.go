// Package bloom provides a concurrent Bloom filter used as a cheap
// "definitely absent" pre-check in front of cache lookups.
package bloom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// HashCount is the number of hash functions applied to every value.
const HashCount = 5

// ErrInvalidParameters indicates a non-positive capacity or a false positive
// rate outside (0, 1).
var ErrInvalidParameters = errors.New("bloom: invalid parameters")

// seeds derive the independent hash functions from a single xxhash.
var seeds = [HashCount]uint64{
	0x9e3779b97f4a7c15,
	0xc2b2ae3d27d4eb4f,
	0x165667b19e3779f9,
	0xd6e8feb86659fd93,
	0xff51afd7ed558ccd,
}

// Filter is a fixed-size Bloom filter. It is safe for concurrent use; values
// can be added but never removed.
type Filter struct {
	words []atomic.Uint64
	bits  uint64
}

// rateHeadroom scales the target rate before sizing so that the realised
// false positive rate stays below the target rather than around it.
const rateHeadroom = 0.8

// New sizes a filter for expected values at the target false positive rate.
// With the hash count fixed at HashCount the bit count is
// m = -k*n / ln(1 - p^(1/k)), rounded up to whole 64-bit words.
func New(expected int, falsePositiveRate float64) (*Filter, error) {
	if expected <= 0 || falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		return nil, fmt.Errorf("%w: expected=%d rate=%f", ErrInvalidParameters, expected, falsePositiveRate)
	}

	p := falsePositiveRate * rateHeadroom
	m := math.Ceil(-HashCount * float64(expected) / math.Log(1-math.Pow(p, 1.0/HashCount)))
	words := (uint64(m) + 63) / 64
	if words == 0 {
		words = 1
	}

	return &Filter{
		words: make([]atomic.Uint64, words),
		bits:  words * 64,
	}, nil
}

// Bits returns the size of the bit array.
func (f *Filter) Bits() uint64 {
	return f.bits
}

// Add records value in the filter.
func (f *Filter) Add(value uint64) {
	for i := range seeds {
		bit := f.position(i, value)
		f.words[bit/64].Or(1 << (bit % 64))
	}
}

// MightBePresent reports whether value may have been added. A false result is
// definite.
func (f *Filter) MightBePresent(value uint64) bool {
	for i := range seeds {
		bit := f.position(i, value)
		if f.words[bit/64].Load()&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// AddBytes records an arbitrary key.
func (f *Filter) AddBytes(key []byte) {
	f.Add(xxhash.Sum64(key))
}

// MightContainBytes is MightBePresent for arbitrary keys.
func (f *Filter) MightContainBytes(key []byte) bool {
	return f.MightBePresent(xxhash.Sum64(key))
}

func (f *Filter) position(i int, value uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seeds[i])
	binary.LittleEndian.PutUint64(buf[8:], value)
	return xxhash.Sum64(buf[:]) % f.bits
}
