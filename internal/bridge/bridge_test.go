package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlink/internal/proto"
)

type fakeTransport struct {
	id string

	mu         sync.Mutex
	broadcasts []*proto.Packet
	unicasts   []*proto.Packet
	failAll    bool
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) BroadcastPacket(pkt *proto.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("link down")
	}
	f.broadcasts = append(f.broadcasts, pkt)
	return nil
}

func (f *fakeTransport) SendToPeer(peer proto.PeerID, pkt *proto.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("link down")
	}
	f.unicasts = append(f.unicasts, pkt)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func sender(b byte) proto.PeerID {
	var id proto.PeerID
	id[0] = b
	return id
}

func msg(from byte, ts uint64, ttl uint8) *proto.Packet {
	return proto.NewBroadcast(proto.TypeMessage, sender(from), ts, ttl, []byte("hello"))
}

type capture struct {
	mu   sync.Mutex
	pkts []*proto.Packet
}

func (c *capture) handler(source string, from proto.PeerID, pkt *proto.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkts = append(c.pkts, pkt)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pkts)
}

func TestRelaySkipsSourceAndDecrementsTTL(t *testing.T) {
	sink := &capture{}
	b := New(sink.handler, nil, nil)
	radio := &fakeTransport{id: "radio"}
	lan := &fakeTransport{id: "lan"}
	b.Register(radio)
	b.Register(lan)

	b.HandleInbound("radio", sender(2), msg(2, 100, 3))

	assert.Equal(t, 1, sink.count(), "fresh packet must reach the handler once")
	assert.Equal(t, 0, radio.broadcastCount(), "packet must never echo to its source")
	require.Equal(t, 1, lan.broadcastCount())
	assert.Equal(t, uint8(2), lan.broadcasts[0].TTL, "relay copies carry TTL-1")
}

func TestTTLZeroDeliveredButNotRelayed(t *testing.T) {
	sink := &capture{}
	b := New(sink.handler, nil, nil)
	lan := &fakeTransport{id: "lan"}
	b.Register(lan)

	b.HandleInbound("radio", sender(2), msg(2, 100, 0))

	assert.Equal(t, 1, sink.count(), "TTL 0 still reaches the local handler")
	assert.Equal(t, 0, lan.broadcastCount(), "TTL 0 must not travel further")
}

func TestDuplicateByID(t *testing.T) {
	sink := &capture{}
	b := New(sink.handler, nil, nil)
	lan := &fakeTransport{id: "lan"}
	b.Register(lan)

	pkt := msg(2, 100, 3)
	b.HandleInbound("radio", sender(2), pkt)
	b.HandleInbound("lan", sender(2), pkt)

	assert.Equal(t, 1, sink.count(), "same id must be delivered once")
	assert.Equal(t, 1, lan.broadcastCount())
}

func TestDuplicateBySenderAndTimestamp(t *testing.T) {
	sink := &capture{}
	b := New(sink.handler, nil, nil)
	b.Register(&fakeTransport{id: "lan"})

	// Same sender and timestamp, different payload, so the ids differ.
	first := proto.NewBroadcast(proto.TypeMessage, sender(2), 100, 3, []byte("one"))
	second := proto.NewBroadcast(proto.TypeMessage, sender(2), 100, 3, []byte("two"))
	require.NotEqual(t, first.ID(), second.ID())

	b.HandleInbound("radio", sender(2), first)
	b.HandleInbound("radio", sender(2), second)

	assert.Equal(t, 1, sink.count(), "same (sender, timestamp) must be delivered once")
}

func TestMarkLocalSuppressesEcho(t *testing.T) {
	sink := &capture{}
	b := New(sink.handler, nil, nil)
	b.Register(&fakeTransport{id: "lan"})

	pkt := msg(1, 100, 3)
	b.MarkLocal(pkt)
	b.HandleInbound("lan", sender(9), pkt)

	assert.Equal(t, 0, sink.count(), "a locally originated packet echoed back must not re-deliver")
}

func TestPartialFailureDoesNotBlockOthers(t *testing.T) {
	b := New(nil, nil, nil)
	broken := &fakeTransport{id: "broken", failAll: true}
	lan := &fakeTransport{id: "lan"}
	b.Register(broken)
	b.Register(lan)

	b.HandleInbound("radio", sender(2), msg(2, 100, 3))

	assert.Equal(t, 1, lan.broadcastCount(), "one failing transport must not block the rest")
}

func TestSendToPeerAnySuccess(t *testing.T) {
	b := New(nil, nil, nil)
	broken := &fakeTransport{id: "broken", failAll: true}
	lan := &fakeTransport{id: "lan"}
	b.Register(broken)
	b.Register(lan)

	err := b.SendToPeer("", sender(5), msg(1, 100, 0))
	assert.NoError(t, err, "unicast succeeds when any transport delivers")

	b.Unregister("lan")
	err = b.SendToPeer("", sender(5), msg(1, 101, 0))
	assert.Error(t, err, "unicast fails when every transport fails")

	b.Unregister("broken")
	err = b.SendToPeer("", sender(5), msg(1, 102, 0))
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestDedupCacheExpiry(t *testing.T) {
	c := newDedupCache(4, 10*time.Millisecond)
	var key [16]byte
	key[0] = 1
	require.False(t, c.seen(key))
	require.True(t, c.seen(key))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.seen(key), "expired entries must be forgotten")
}

func TestDedupCacheTouchRefreshesDeadline(t *testing.T) {
	c := newDedupCache(4, 100*time.Millisecond)
	var hot, cold [16]byte
	hot[0], cold[0] = 1, 2
	require.False(t, c.seen(cold))
	require.False(t, c.seen(hot))

	// Repeat the hot key past the original deadline; each touch pushes its
	// expiry out while the untouched key lapses on schedule.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		require.True(t, c.seen(hot))
	}
	assert.False(t, c.seen(cold), "untouched entry expires on schedule")
}

func TestDedupCacheBounded(t *testing.T) {
	c := newDedupCache(4, time.Minute)
	for i := 0; i < 8; i++ {
		var key [16]byte
		key[0] = byte(i)
		c.seen(key)
	}
	var oldest [16]byte
	assert.False(t, c.seen(oldest), "evicted keys read as unseen")
	var newest [16]byte
	newest[0] = 7
	assert.True(t, c.seen(newest), "recent keys survive eviction")
}
