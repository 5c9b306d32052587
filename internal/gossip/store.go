// internal/gossip/store.go
package gossip

import (
	"sync"

	"meshlink/internal/proto"
)

// RetainedStore keeps the packets a peer is willing to resend during
// reconciliation: a capacity-bounded ring of broadcast messages (oldest
// evicted first) plus the latest announcement per sender. Never persisted.
type RetainedStore struct {
	mu sync.Mutex

	ring  []retained
	head  int // next write position
	size  int
	index map[proto.PacketID]int // id -> ring slot

	announces map[proto.PeerID]*proto.Packet
}

type retained struct {
	id  proto.PacketID
	pkt *proto.Packet
}

const DefaultStoreCapacity = 256

func NewRetainedStore(capacity int) *RetainedStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &RetainedStore{
		ring:      make([]retained, capacity),
		index:     make(map[proto.PacketID]int, capacity),
		announces: make(map[proto.PeerID]*proto.Packet),
	}
}

// AddBroadcast retains a broadcast message packet, evicting the oldest
// entry when full. Re-adding an already retained id is a no-op.
func (s *RetainedStore) AddBroadcast(id proto.PacketID, pkt *proto.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return
	}
	if s.size == len(s.ring) {
		evicted := s.ring[s.head]
		delete(s.index, evicted.id)
		s.size--
	}
	s.ring[s.head] = retained{id: id, pkt: pkt}
	s.index[id] = s.head
	s.head = (s.head + 1) % len(s.ring)
	s.size++
}

// SetAnnouncement overwrites the latest announcement for the packet's
// sender. Stale announcements are never retransmitted.
func (s *RetainedStore) SetAnnouncement(pkt *proto.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announces[pkt.SenderID] = pkt
}

// Broadcasts returns retained broadcast packets, oldest first.
func (s *RetainedStore) Broadcasts() []*proto.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proto.Packet, 0, s.size)
	start := s.head - s.size
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.size; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)].pkt)
	}
	return out
}

// Announcements returns the latest announcement per known sender.
func (s *RetainedStore) Announcements() []*proto.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proto.Packet, 0, len(s.announces))
	for _, pkt := range s.announces {
		out = append(out, pkt)
	}
	return out
}

// Len reports the number of retained broadcast packets.
func (s *RetainedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// RemoveAnnouncement drops a sender's announcement, used when a peer
// leaves the mesh.
func (s *RetainedStore) RemoveAnnouncement(sender proto.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.announces, sender)
}
