// internal/filter/gcs.go
package filter

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// Golomb-coded set reconciliation filter. Better bytes-per-element than a
// Bloom filter at the same false-positive target, at the cost of
// encode/decode CPU. Values are 63-bit hashes of packet ids, delta coded
// with Golomb-Rice: quotient in unary, p-bit remainder.

const (
	// GCSElementSpace is the value range ids are hashed into.
	GCSElementSpace = uint64(1) << 63

	minGolombP = 1
	maxGolombP = 32
)

var ErrBadGCSData = errors.New("malformed gcs filter data")

// GolombP derives the Rice parameter from the target false-positive rate:
// p = ceil(log2(1/fpr)), clamped.
func GolombP(targetFpr float64) uint8 {
	if targetFpr <= 0 || targetFpr >= 1 {
		return 20
	}
	p := int(math.Ceil(math.Log2(1 / targetFpr)))
	if p < minGolombP {
		p = minGolombP
	}
	if p > maxGolombP {
		p = maxGolombP
	}
	return uint8(p)
}

// MapToRange hashes an id into [0, m): the first 8 bytes of SHA-256(id),
// big-endian, top bit cleared, reduced modulo the element space. The
// element space m = n*2^p keeps consecutive deltas near 2^p so the Rice
// quotient stays short.
func MapToRange(id []byte, m uint64) uint64 {
	sum := sha256.Sum256(id)
	h := binary.BigEndian.Uint64(sum[:8]) &^ (uint64(1) << 63)
	return h % m
}

// ElementSpace derives the mapped-value range for n elements at Rice
// parameter p, clamped to the 63-bit hash range.
func ElementSpace(n int, p uint8) uint64 {
	if n <= 0 {
		return 1
	}
	m := uint64(n) << p
	if m>>p != uint64(n) || m > GCSElementSpace {
		return GCSElementSpace
	}
	return m
}

type bitWriter struct {
	buf  []byte
	nBit uint
}

func (w *bitWriter) writeBit(b uint64) {
	if w.nBit == 0 {
		w.buf = append(w.buf, 0)
		w.nBit = 8
	}
	w.nBit--
	if b != 0 {
		w.buf[len(w.buf)-1] |= 1 << w.nBit
	}
}

func (w *bitWriter) writeBits(v uint64, n uint8) {
	for i := int(n) - 1; i >= 0; i-- {
		w.writeBit((v >> uint(i)) & 1)
	}
}

func (w *bitWriter) lenBits() int {
	return len(w.buf)*8 - int(w.nBit)
}

// pad fills the final partial byte with one-bits so a decoder reading past
// the last element stalls in an unterminated unary run and stops cleanly.
func (w *bitWriter) pad() {
	for w.nBit > 0 {
		w.writeBit(1)
	}
}

type bitReader struct {
	buf []byte
	pos int // bit offset
}

func (r *bitReader) readBit() (uint64, bool) {
	if r.pos >= len(r.buf)*8 {
		return 0, false
	}
	b := (r.buf[r.pos>>3] >> (7 - uint(r.pos&7))) & 1
	r.pos++
	return uint64(b), true
}

func (r *bitReader) readBits(n uint8) (uint64, bool) {
	var v uint64
	for i := uint8(0); i < n; i++ {
		b, ok := r.readBit()
		if !ok {
			return 0, false
		}
		v = v<<1 | b
	}
	return v, true
}

// BuildGCS encodes the given ids into a Golomb-coded set no larger than
// maxBytes. Ids that do not fit the byte budget are dropped from the
// filter; absent entries only cause over-resend, never data loss.
// Returns the Rice parameter, the element space, and the encoded data.
func BuildGCS(ids [][]byte, maxBytes int, targetFpr float64) (uint8, uint64, []byte) {
	p := GolombP(targetFpr)
	m := ElementSpace(len(ids), p)
	if len(ids) == 0 {
		return p, m, nil
	}
	values := make([]uint64, 0, len(ids))
	for _, id := range ids {
		values = append(values, MapToRange(id, m))
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	maxBits := maxBytes * 8
	w := &bitWriter{}
	var prev uint64
	first := true
	for _, v := range values {
		var delta uint64
		if first {
			// Virtual predecessor of -1 keeps every delta >= 1.
			delta = v + 1
		} else {
			if v == prev {
				continue
			}
			delta = v - prev
		}
		g := delta - 1
		q := g >> p
		if maxBytes > 0 && w.lenBits()+int(q)+1+int(p) > maxBits {
			break
		}
		for i := uint64(0); i < q; i++ {
			w.writeBit(1)
		}
		w.writeBit(0)
		w.writeBits(g&((uint64(1)<<p)-1), p)
		prev = v
		first = false
	}
	w.pad()
	return p, m, w.buf
}

// DecodeGCS reconstructs the sorted value set from an encoded filter.
// Trailing one-bit padding and truncated final elements are discarded;
// structurally impossible input returns an error.
func DecodeGCS(p uint8, m uint64, data []byte) ([]uint64, error) {
	if p < minGolombP || p > maxGolombP {
		return nil, ErrBadGCSData
	}
	if m == 0 || m > GCSElementSpace {
		return nil, ErrBadGCSData
	}
	r := &bitReader{buf: data}
	var out []uint64
	var prev uint64
	first := true
	for {
		var q uint64
		terminated := false
		for {
			b, ok := r.readBit()
			if !ok {
				// Ran out inside a unary run: padding, done.
				return out, nil
			}
			if b == 0 {
				terminated = true
				break
			}
			q++
			if q > 64 {
				return nil, ErrBadGCSData
			}
		}
		if !terminated {
			return out, nil
		}
		rem, ok := r.readBits(p)
		if !ok {
			// Truncated remainder: drop the partial element.
			return out, nil
		}
		delta := (q<<uint(p) | rem) + 1
		var v uint64
		if first {
			v = delta - 1
			first = false
		} else {
			v = prev + delta
			if v < prev {
				return nil, ErrBadGCSData
			}
		}
		if v >= m {
			return nil, ErrBadGCSData
		}
		out = append(out, v)
		prev = v
	}
}

// GCSContains is the membership test over a decoded sorted value set.
// m must be the element space the filter was built with.
func GCSContains(values []uint64, m uint64, id []byte) bool {
	if m == 0 {
		return false
	}
	v := MapToRange(id, m)
	i := sort.Search(len(values), func(i int) bool { return values[i] >= v })
	return i < len(values) && values[i] == v
}
