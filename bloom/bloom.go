// Package bloom implements a fixed-size, fully in-memory bloom filter
// used by each SSTable to reject point lookups for keys it does not
// hold. False negatives are forbidden; false positives are bounded by
// the configured false-positive rate.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// DefaultFalsePositiveRate is the target false-positive rate used
// when an SSTable builder does not override it.
const DefaultFalsePositiveRate = 0.01

// ErrCorrupt is returned when deserializing a malformed filter.
var ErrCorrupt = errors.New("bloom: corrupt encoding")

// Filter is a k-hash bloom filter over a fixed bit array.
type Filter struct {
	bits *bitset.BitSet
	m    uint32 // bit count
	k    uint8  // hash round count
}

// OptimalBits computes the bit count m = ceil(-n*ln(p) / ln(2)^2) for
// n expected items and false-positive rate p.
func OptimalBits(n int, p float64) uint32 {
	if n <= 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = DefaultFalsePositiveRate
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	return uint32(m)
}

// OptimalHashes computes k = clamp(ceil((m/n)*ln2), 1, 10).
func OptimalHashes(m uint32, n int) uint8 {
	if n <= 0 {
		n = 1
	}
	k := math.Ceil((float64(m) / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return uint8(k)
}

// New creates an empty filter with an explicit bit count and hash
// round count.
func New(m uint32, k uint8) *Filter {
	if m == 0 {
		m = 8
	}
	if k == 0 {
		k = 1
	}
	return &Filter{bits: bitset.New(uint(m)), m: m, k: k}
}

// NewForSize sizes a filter for n expected items at false-positive
// rate p (p <= 0 uses DefaultFalsePositiveRate).
func NewForSize(n int, p float64) *Filter {
	m := OptimalBits(n, p)
	k := OptimalHashes(m, n)
	return New(m, k)
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	for i := uint8(0); i < f.k; i++ {
		f.bits.Set(uint(f.index(i, key)))
	}
}

// MightContain reports whether key may be present. A false return is
// definitive proof of absence; a true return is not proof of presence.
func (f *Filter) MightContain(key []byte) bool {
	for i := uint8(0); i < f.k; i++ {
		if !f.bits.Test(uint(f.index(i, key))) {
			return false
		}
	}
	return true
}

// index derives the bit position for hash round i over key by seeding
// a BLAKE2b digest with the round index, per the spec's "cryptographic
// quality digest seeded with a 0-based index" construction.
func (f *Filter) index(i uint8, key []byte) uint32 {
	var seed [4]byte
	binary.LittleEndian.PutUint32(seed[:], uint32(i))
	h := blake2b.Sum256(append(seed[:], key...))
	prefix := binary.LittleEndian.Uint32(h[:4])
	return prefix % f.m
}

// Serialize encodes the filter as
// [bit_count:i32 LE][hash_count:i32 LE][bits:ceil(bit_count/8)],
// matching the SSTable trailer layout in §4.5.
func (f *Filter) Serialize() []byte {
	byteLen := (f.m + 7) / 8
	packed := make([]byte, byteLen)
	bitsetBytesToLE(f.bits, f.m, packed)

	out := make([]byte, 4+4+len(packed))
	binary.LittleEndian.PutUint32(out[0:4], f.m)
	binary.LittleEndian.PutUint32(out[4:8], uint32(f.k))
	copy(out[8:], packed)
	return out
}

// Deserialize decodes a filter from the bytes Serialize produced.
func Deserialize(b []byte) (*Filter, error) {
	if len(b) < 8 {
		return nil, ErrCorrupt
	}
	m := binary.LittleEndian.Uint32(b[0:4])
	k := binary.LittleEndian.Uint32(b[4:8])
	if m == 0 || k == 0 || k > 255 {
		return nil, ErrCorrupt
	}
	byteLen := int((m + 7) / 8)
	if len(b) < 8+byteLen {
		return nil, ErrCorrupt
	}
	bs := bitset.New(uint(m))
	packed := b[8 : 8+byteLen]
	for bitIdx := uint32(0); bitIdx < m; bitIdx++ {
		byteIdx := bitIdx / 8
		mask := byte(1 << (bitIdx % 8))
		if packed[byteIdx]&mask != 0 {
			bs.Set(uint(bitIdx))
		}
	}
	return &Filter{bits: bs, m: m, k: uint8(k)}, nil
}

// bitsetBytesToLE packs the first m bits of bs into dst, one bit per
// LSB-first position, independent of bitset's internal word size.
func bitsetBytesToLE(bs *bitset.BitSet, m uint32, dst []byte) {
	for i := uint32(0); i < m; i++ {
		if bs.Test(uint(i)) {
			dst[i/8] |= 1 << (i % 8)
		}
	}
}
