// internal/filter/bloom.go
package filter

import (
	"math"
	"sync"
)

const (
	minSeenBytes = 64
	maxHashCount = 32

	fnvOffset64 = 0xcbf29ce484222325
	fnvPrime64  = 0x100000001b3
	// Second running hash starts from a distinct basis so the two
	// probe sequences stay independent.
	fnvAltOffset64 = 0x84222325cbf29ce4
)

// Seen is a rotating two-generation Bloom filter over packet ids. Inserts
// never produce false negatives for the lifetime of a generation; rotation
// keeps the insert count bounded by the derived capacity.
type Seen struct {
	mu       sync.Mutex
	mBits    uint64
	k        int
	capacity int

	active  *generation
	standby *generation // non-nil only during the overlap window
}

type generation struct {
	bits  []byte
	count int
}

func newGeneration(mBytes int) *generation {
	return &generation{bits: make([]byte, mBytes)}
}

// NewSeen sizes the filter from a byte budget and a target false-positive
// rate using the standard Bloom formulas solved for capacity.
func NewSeen(maxBytes int, targetFpr float64) *Seen {
	if maxBytes < minSeenBytes {
		maxBytes = minSeenBytes
	}
	if targetFpr <= 0 || targetFpr >= 1 {
		targetFpr = 0.01
	}
	mBits := uint64(maxBytes) * 8
	ln2 := math.Ln2
	capacity := int(-float64(mBits) * ln2 * ln2 / math.Log(targetFpr))
	if capacity < 1 {
		capacity = 1
	}
	k := int(math.Ceil(float64(mBits) / float64(capacity) * ln2))
	if k < 1 {
		k = 1
	}
	if k > maxHashCount {
		k = maxHashCount
	}
	return &Seen{
		mBits:    mBits,
		k:        k,
		capacity: capacity,
		active:   newGeneration(maxBytes),
	}
}

// hashPair computes two independent FNV-1a style 64-bit hashes over id.
func hashPair(id []byte) (uint64, uint64) {
	h1 := uint64(fnvOffset64)
	h2 := uint64(fnvAltOffset64)
	for _, b := range id {
		h1 ^= uint64(b)
		h1 *= fnvPrime64
		h2 ^= uint64(b)
		h2 *= fnvPrime64
		h2 ^= h2 >> 29
	}
	if h2 == 0 {
		h2 = 0x9e3779b97f4a7c15
	}
	return h1, h2
}

func setBit(bits []byte, idx uint64) {
	bits[idx>>3] |= 1 << (idx & 7)
}

func getBit(bits []byte, idx uint64) bool {
	return bits[idx>>3]&(1<<(idx&7)) != 0
}

func (g *generation) insert(h1, h2, mBits uint64, k int) {
	for i := 0; i < k; i++ {
		setBit(g.bits, (h1+uint64(i)*h2)%mBits)
	}
	g.count++
}

func (g *generation) contains(h1, h2, mBits uint64, k int) bool {
	for i := 0; i < k; i++ {
		if !getBit(g.bits, (h1+uint64(i)*h2)%mBits) {
			return false
		}
	}
	return true
}

// Add inserts an id. At 50% of capacity a standby generation starts
// receiving every insert alongside the active one; at 100% the standby is
// promoted and the overlap window closes. The overlap avoids the burst of
// false negatives a hard cutover would cause at rotation boundaries.
func (s *Seen) Add(id []byte) {
	h1, h2 := hashPair(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.standby == nil && s.active.count >= s.capacity/2 {
		s.standby = newGeneration(len(s.active.bits))
	}
	s.active.insert(h1, h2, s.mBits, s.k)
	if s.standby != nil {
		s.standby.insert(h1, h2, s.mBits, s.k)
	}
	if s.active.count >= s.capacity {
		s.active = s.standby
		s.standby = nil
	}
}

// MightContain reports whether id may have been inserted. No false
// negatives for ids inserted into a live generation.
func (s *Seen) MightContain(id []byte) bool {
	h1, h2 := hashPair(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active.contains(h1, h2, s.mBits, s.k) {
		return true
	}
	return s.standby != nil && s.standby.contains(h1, h2, s.mBits, s.k)
}

// SnapshotActive exports the active generation for transmission inside a
// sync request.
func (s *Seen) SnapshotActive() (k uint8, bits []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.active.bits))
	copy(out, s.active.bits)
	return uint8(s.k), out
}

// K returns the derived hash count.
func (s *Seen) K() int {
	return s.k
}

// Capacity returns the derived insert capacity of one generation.
func (s *Seen) Capacity() int {
	return s.capacity
}

// Contains tests id against an exported filter generation using the same
// double-hashing scheme as Add. Used to evaluate a remote peer's announced
// filter during reconciliation.
func Contains(bits []byte, k int, id []byte) bool {
	if len(bits) == 0 || k <= 0 {
		return false
	}
	if k > maxHashCount {
		k = maxHashCount
	}
	mBits := uint64(len(bits)) * 8
	h1, h2 := hashPair(id)
	for i := 0; i < k; i++ {
		if !getBit(bits, (h1+uint64(i)*h2)%mBits) {
			return false
		}
	}
	return true
}
