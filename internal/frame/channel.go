// internal/frame/channel.go
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single frame payload. A length outside [0, 64KiB]
// is a protocol violation and fatal to the stream.
const MaxFrameSize = 64 << 10

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Channel is a length-prefixed duplex framing layer over one byte stream.
// A zero-length frame is a keep-alive; it is surfaced to the caller as an
// empty payload and must not be forwarded to packet parsing. Read and
// write paths hold independent locks so a blocked writer never stalls an
// in-progress read.
type Channel struct {
	rmu sync.Mutex
	wmu sync.Mutex
	rw  io.ReadWriter
}

func NewChannel(rw io.ReadWriter) *Channel {
	return &Channel{rw: rw}
}

// Write emits a 4-byte big-endian length prefix followed by the payload as
// one buffer under the write lock, so concurrent writers never interleave.
func (c *Channel) Write(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	total := 0
	for total < len(buf) {
		n, err := c.rw.Write(buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// WriteKeepAlive emits a zero-length frame.
func (c *Channel) WriteKeepAlive() error {
	return c.Write(nil)
}

// Read blocks until a full frame is available and returns its payload. A
// keep-alive comes back as a zero-length payload with a nil error. An
// announced length above MaxFrameSize returns ErrFrameTooLarge; the owning
// connection must be torn down.
func (c *Channel) Read() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.rw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if n == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
