// internal/proto/packet.go
package proto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// Version is the current wire protocol version.
	Version = 1

	// HeaderSize is the fixed portion of an encoded packet:
	// version(1) type(1) sender(8) recipient(8) timestamp(8) ttl(1) payloadLen(2).
	HeaderSize = 1 + 1 + PeerIDSize + PeerIDSize + 8 + 1 + 2

	PeerIDSize   = 8
	PacketIDSize = 16

	// MaxPayloadSize is bounded by the u16 payload length field.
	MaxPayloadSize = 1<<16 - 1

	// DefaultTTL is the hop budget assigned to locally originated packets.
	DefaultTTL = 7
)

type PacketType uint8

const (
	TypeAnnounce       PacketType = 0x01
	TypeLeave          PacketType = 0x03
	TypeMessage        PacketType = 0x04
	TypeFragment       PacketType = 0x05
	TypeDeliveryAck    PacketType = 0x0A
	TypeNoiseHandshake PacketType = 0x10
	TypeRequestSync    PacketType = 0x21
)

func (t PacketType) String() string {
	switch t {
	case TypeAnnounce:
		return "announce"
	case TypeLeave:
		return "leave"
	case TypeMessage:
		return "message"
	case TypeFragment:
		return "fragment"
	case TypeDeliveryAck:
		return "delivery_ack"
	case TypeNoiseHandshake:
		return "noise_handshake"
	case TypeRequestSync:
		return "request_sync"
	default:
		return fmt.Sprintf("type_0x%02x", uint8(t))
	}
}

// PeerID is the 8-byte link-layer peer identifier.
type PeerID [PeerIDSize]byte

// Broadcast is the all-zero recipient sentinel.
var Broadcast PeerID

func (p PeerID) IsBroadcast() bool {
	return p == Broadcast
}

func (p PeerID) Hex() string {
	return hex.EncodeToString(p[:])
}

func PeerIDFromHex(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != PeerIDSize {
		return id, fmt.Errorf("peer id must be %d bytes, got %d", PeerIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// PacketID is the 16-byte content-derived packet identity.
type PacketID [PacketIDSize]byte

func (id PacketID) Hex() string {
	return hex.EncodeToString(id[:])
}

var (
	ErrShortPacket     = errors.New("packet too short")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadVersion      = errors.New("unsupported packet version")
)

// Packet is the parsed wire packet. Immutable once constructed; relay
// mutates only a copy's TTL.
type Packet struct {
	Version     uint8
	Type        PacketType
	SenderID    PeerID
	RecipientID PeerID
	Timestamp   uint64 // epoch milliseconds
	TTL         uint8
	Payload     []byte
	Signature   []byte
}

// ID derives the content-addressed identity: the first 16 bytes of the
// SHA-256 of type, senderID, timestamp_be64, and payload concatenated.
// Identical semantic packet bytes yield the identical id on every peer.
func (p *Packet) ID() PacketID {
	h := sha256.New()
	h.Write([]byte{byte(p.Type)})
	h.Write(p.SenderID[:])
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	h.Write(ts[:])
	h.Write(p.Payload)
	var id PacketID
	copy(id[:], h.Sum(nil)[:PacketIDSize])
	return id
}

// RelayCopy returns a copy with TTL decremented for re-broadcast.
// Callers must check TTL > 0 before relaying.
func (p *Packet) RelayCopy() *Packet {
	cp := *p
	if cp.TTL > 0 {
		cp.TTL--
	}
	return &cp
}

// Encode serializes the packet per the fixed big-endian header layout.
// Any bytes after the payload are the optional signature.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(p.Payload)+len(p.Signature)))
	buf.WriteByte(p.Version)
	buf.WriteByte(byte(p.Type))
	buf.Write(p.SenderID[:])
	buf.Write(p.RecipientID[:])
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], p.Timestamp)
	buf.Write(tmp[:])
	buf.WriteByte(p.TTL)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(p.Payload)))
	buf.Write(tmp[:2])
	buf.Write(p.Payload)
	buf.Write(p.Signature)
	return buf.Bytes(), nil
}

// Decode parses an encoded packet. Malformed input returns an error and
// never panics; callers drop such packets silently.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortPacket
	}
	p := &Packet{}
	p.Version = data[0]
	if p.Version != Version {
		return nil, ErrBadVersion
	}
	p.Type = PacketType(data[1])
	off := 2
	copy(p.SenderID[:], data[off:off+PeerIDSize])
	off += PeerIDSize
	copy(p.RecipientID[:], data[off:off+PeerIDSize])
	off += PeerIDSize
	p.Timestamp = binary.BigEndian.Uint64(data[off : off+8])
	off += 8
	p.TTL = data[off]
	off++
	payloadLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	off += 2
	if len(data) < off+payloadLen {
		return nil, ErrShortPacket
	}
	p.Payload = append([]byte(nil), data[off:off+payloadLen]...)
	off += payloadLen
	if len(data) > off {
		p.Signature = append([]byte(nil), data[off:]...)
	}
	return p, nil
}

// NewBroadcast builds a broadcast packet originated locally.
func NewBroadcast(t PacketType, sender PeerID, timestampMs uint64, ttl uint8, payload []byte) *Packet {
	return &Packet{
		Version:   Version,
		Type:      t,
		SenderID:  sender,
		Timestamp: timestampMs,
		TTL:       ttl,
		Payload:   payload,
	}
}
