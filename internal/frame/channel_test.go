package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 2, 127, 4096, MaxFrameSize - 1, MaxFrameSize}
	for _, size := range sizes {
		var buf bytes.Buffer
		c := NewChannel(&buf)
		payload := bytes.Repeat([]byte{0xA5}, size)
		if err := c.Write(payload); err != nil {
			t.Fatalf("write %d bytes: %v", size, err)
		}
		got, err := c.Read()
		if err != nil {
			t.Fatalf("read %d bytes: %v", size, err)
		}
		if got == nil {
			t.Fatalf("read returned nil payload for size %d", size)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
	}
}

func TestWriteRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	c := NewChannel(&buf)
	err := c.Write(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected write must not touch the stream, wrote %d bytes", buf.Len())
	}
}

func TestReadRejectsOversizedAnnouncement(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	buf.Write(prefix[:])
	c := NewChannel(&buf)
	if _, err := c.Read(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	c := NewChannel(&buf)
	if err := c.WriteKeepAlive(); err != nil {
		t.Fatalf("keep-alive write: %v", err)
	}
	got, err := c.Read()
	if err != nil {
		t.Fatalf("keep-alive read: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("keep-alive must surface as an empty non-nil payload, got %#v", got)
	}
}

func TestTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], 10)
	buf.Write(prefix[:])
	buf.Write([]byte{1, 2, 3})
	c := NewChannel(&buf)
	if _, err := c.Read(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	writer := NewChannel(a)
	reader := NewChannel(b)

	const writers = 8
	const perWriter = 16
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{id}, 512)
			for i := 0; i < perWriter; i++ {
				if err := writer.Write(payload); err != nil {
					t.Errorf("writer %d: %v", id, err)
					return
				}
			}
		}(byte(w + 1))
	}

	for i := 0; i < writers*perWriter; i++ {
		got, err := reader.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(got) != 512 {
			t.Fatalf("read %d: length %d, want 512", i, len(got))
		}
		for _, bch := range got {
			if bch != got[0] {
				t.Fatalf("read %d: interleaved frame", i)
			}
		}
	}
	wg.Wait()
}
