package proto

import (
	"bytes"
	"testing"
)

func TestSyncRequestBloomRoundTrip(t *testing.T) {
	bits := bytes.Repeat([]byte{0x55}, 128)
	data, err := EncodeSyncRequest(SyncRequest{
		Kind:  FilterKindBloom,
		Bloom: &BloomSnapshot{K: 7, Bits: bits},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeSyncRequest(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Kind != FilterKindBloom || got.Bloom == nil {
		t.Fatalf("wrong variant: %+v", got)
	}
	if got.Bloom.K != 7 || !bytes.Equal(got.Bloom.Bits, bits) {
		t.Fatalf("bloom snapshot mismatch")
	}
}

func TestSyncRequestGCSRoundTrip(t *testing.T) {
	body := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data, err := EncodeSyncRequest(SyncRequest{
		Kind: FilterKindGCS,
		GCS:  &GCSFilter{P: 20, M: 1 << 63, Data: body},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeSyncRequest(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.Kind != FilterKindGCS || got.GCS == nil {
		t.Fatalf("wrong variant: %+v", got)
	}
	if got.GCS.P != 20 || got.GCS.M != 1<<63 || !bytes.Equal(got.GCS.Data, body) {
		t.Fatalf("gcs filter mismatch")
	}
}

func TestDecodeSyncRequestRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":             nil,
		"unknown kind":      {0x7F, 0, 0},
		"bloom header only": {FilterKindBloom, 0, 0},
		"bloom zero k":      {FilterKindBloom, 0, 0, 0, 4, 0, 1, 2, 3, 4},
		"bloom zero bytes":  {FilterKindBloom, 0, 0, 0, 0, 3},
		"bloom length lie":  {FilterKindBloom, 0, 0, 0, 8, 3, 1, 2},
		"gcs header only":   {FilterKindGCS, 20},
		"gcs zero p":        {FilterKindGCS, 0, 0, 0, 0, 0, 0, 0, 0, 1},
		"gcs huge p":        {FilterKindGCS, 64, 0, 0, 0, 0, 0, 0, 0, 1},
		"gcs zero m":        {FilterKindGCS, 20, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	for name, data := range cases {
		if _, err := DecodeSyncRequest(data); err == nil {
			t.Fatalf("%s must fail", name)
		}
	}
}

func TestSyncRequestFilterSizeCap(t *testing.T) {
	big := make([]byte, MaxSyncFilterBytes+1)
	if _, err := EncodeSyncRequest(SyncRequest{
		Kind:  FilterKindBloom,
		Bloom: &BloomSnapshot{K: 3, Bits: big},
	}); err == nil {
		t.Fatalf("oversized bloom filter must fail to encode")
	}
	if _, err := EncodeSyncRequest(SyncRequest{
		Kind: FilterKindGCS,
		GCS:  &GCSFilter{P: 20, M: 1 << 63, Data: big},
	}); err == nil {
		t.Fatalf("oversized gcs filter must fail to encode")
	}
}
