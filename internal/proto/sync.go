// internal/proto/sync.go
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// REQUEST_SYNC payload. Two filter encodings share the packet type; a
// leading kind byte selects the codec.
const (
	FilterKindBloom = 0x01
	FilterKindGCS   = 0x02

	// MaxSyncFilterBytes caps the filter body accepted from a peer.
	MaxSyncFilterBytes = 32 << 10
)

var ErrBadSyncPayload = errors.New("malformed sync payload")

// BloomSnapshot is an exported rotating-filter generation:
// { mBytes u32, k u8, bits mBytes bytes }.
type BloomSnapshot struct {
	K    uint8
	Bits []byte
}

// GCSFilter is a Golomb-coded set: { p u8, m u64 elementSpace, data bytes }.
type GCSFilter struct {
	P    uint8
	M    uint64
	Data []byte
}

// SyncRequest carries exactly one of the two filter variants.
type SyncRequest struct {
	Kind  uint8
	Bloom *BloomSnapshot
	GCS   *GCSFilter
}

func EncodeSyncRequest(req SyncRequest) ([]byte, error) {
	switch req.Kind {
	case FilterKindBloom:
		if req.Bloom == nil {
			return nil, fmt.Errorf("bloom variant missing snapshot")
		}
		if len(req.Bloom.Bits) > MaxSyncFilterBytes {
			return nil, fmt.Errorf("bloom filter too large: %d bytes", len(req.Bloom.Bits))
		}
		out := make([]byte, 1+4+1+len(req.Bloom.Bits))
		out[0] = FilterKindBloom
		binary.BigEndian.PutUint32(out[1:5], uint32(len(req.Bloom.Bits)))
		out[5] = req.Bloom.K
		copy(out[6:], req.Bloom.Bits)
		return out, nil
	case FilterKindGCS:
		if req.GCS == nil {
			return nil, fmt.Errorf("gcs variant missing filter")
		}
		if len(req.GCS.Data) > MaxSyncFilterBytes {
			return nil, fmt.Errorf("gcs filter too large: %d bytes", len(req.GCS.Data))
		}
		out := make([]byte, 1+1+8+len(req.GCS.Data))
		out[0] = FilterKindGCS
		out[1] = req.GCS.P
		binary.BigEndian.PutUint64(out[2:10], req.GCS.M)
		copy(out[10:], req.GCS.Data)
		return out, nil
	default:
		return nil, fmt.Errorf("unknown filter kind 0x%02x", req.Kind)
	}
}

func DecodeSyncRequest(data []byte) (SyncRequest, error) {
	if len(data) < 1 {
		return SyncRequest{}, ErrBadSyncPayload
	}
	switch data[0] {
	case FilterKindBloom:
		if len(data) < 6 {
			return SyncRequest{}, ErrBadSyncPayload
		}
		mBytes := int(binary.BigEndian.Uint32(data[1:5]))
		if mBytes == 0 || mBytes > MaxSyncFilterBytes {
			return SyncRequest{}, ErrBadSyncPayload
		}
		k := data[5]
		if k == 0 {
			return SyncRequest{}, ErrBadSyncPayload
		}
		if len(data) != 6+mBytes {
			return SyncRequest{}, ErrBadSyncPayload
		}
		bits := append([]byte(nil), data[6:]...)
		return SyncRequest{Kind: FilterKindBloom, Bloom: &BloomSnapshot{K: k, Bits: bits}}, nil
	case FilterKindGCS:
		if len(data) < 10 {
			return SyncRequest{}, ErrBadSyncPayload
		}
		p := data[1]
		m := binary.BigEndian.Uint64(data[2:10])
		if p == 0 || p > 63 || m == 0 {
			return SyncRequest{}, ErrBadSyncPayload
		}
		if len(data)-10 > MaxSyncFilterBytes {
			return SyncRequest{}, ErrBadSyncPayload
		}
		body := append([]byte(nil), data[10:]...)
		return SyncRequest{Kind: FilterKindGCS, GCS: &GCSFilter{P: p, M: m, Data: body}}, nil
	default:
		return SyncRequest{}, ErrBadSyncPayload
	}
}
