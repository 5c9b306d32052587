package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshlink/internal/config"
	mcrypto "meshlink/internal/crypto"
	"meshlink/internal/gossip"
	"meshlink/internal/proto"
	"meshlink/internal/transport"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.SyncInterval = 50 * time.Millisecond
	cfg.SyncInitialDelay = 0
	cfg.KeepAliveInterval = 25 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	cfg.ConnectTick = 10 * time.Millisecond
	return cfg
}

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (in *inbox) deliver(pkt *proto.Packet, payload []byte) {
	if pkt.Type != proto.TypeMessage {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, string(payload))
}

func (in *inbox) has(msg string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func nodeID(b byte) proto.PeerID {
	var id proto.PeerID
	id[0] = b
	return id
}

func startNode(t *testing.T, net *transport.MemNetwork, id proto.PeerID, in *inbox) *Node {
	t.Helper()
	n := NewNode(id, testConfig(), Options{Deliver: in.deliver})
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.AddLink("mem", net.Attach(id))
	t.Cleanup(func() {
		cancel()
		n.Shutdown()
	})
	return n
}

func TestLiveBroadcastDelivery(t *testing.T) {
	net := transport.NewMemNetwork()
	inA, inB := &inbox{}, &inbox{}
	a := startNode(t, net, nodeID(1), inA)
	startNode(t, net, nodeID(2), inB)

	// Discovery plus the connect tick establish the link; then a broadcast
	// from one side lands on the other.
	require.Eventually(t, func() bool {
		return a.SendMessage([]byte("hello mesh")) == nil && inB.has("hello mesh")
	}, 3*time.Second, 20*time.Millisecond, "broadcast must reach the connected peer")

	assert.False(t, inA.has("hello mesh"), "a node must not deliver its own broadcast")
}

func TestReconciliationBackfillsLatecomer(t *testing.T) {
	net := transport.NewMemNetwork()
	inA, inB := &inbox{}, &inbox{}
	a := startNode(t, net, nodeID(1), inA)

	// The message goes out before anyone is listening and is retained.
	require.NoError(t, a.SendMessage([]byte("missed me")))
	pktID := func() proto.PacketID {
		msgs := a.Gossip().Store().Broadcasts()
		require.Len(t, msgs, 1)
		return msgs[0].ID()
	}()

	// A latecomer connects, announces its empty filter, and receives the
	// retained message through reconciliation.
	b := startNode(t, net, nodeID(2), inB)
	require.Eventually(t, func() bool {
		return inB.has("missed me")
	}, 3*time.Second, 20*time.Millisecond, "reconciliation must backfill the missed broadcast")

	assert.True(t, b.Gossip().MightContain(pktID), "the backfilled packet must enter the seen filter")
}

func TestAnnounceReachesPeers(t *testing.T) {
	net := transport.NewMemNetwork()
	inA := &inbox{}
	a := startNode(t, net, nodeID(1), inA)

	var mu sync.Mutex
	nicks := map[string]bool{}
	deliver := func(pkt *proto.Packet, payload []byte) {
		if pkt.Type != proto.TypeAnnounce {
			return
		}
		mu.Lock()
		nicks[string(payload)] = true
		mu.Unlock()
	}
	b := NewNode(nodeID(2), testConfig(), Options{Deliver: deliver})
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	b.AddLink("mem", net.Attach(nodeID(2)))
	t.Cleanup(func() {
		cancel()
		b.Shutdown()
	})

	require.Eventually(t, func() bool {
		a.Announce("alice")
		mu.Lock()
		defer mu.Unlock()
		return nicks["alice"]
	}, 3*time.Second, 50*time.Millisecond)

	// The announcement is retained for reconciliation on both sides.
	assert.Eventually(t, func() bool {
		return len(b.Gossip().Store().Announcements()) >= 1
	}, time.Second, 20*time.Millisecond)
}

func TestEncryptedBroadcastDelivery(t *testing.T) {
	net := transport.NewMemNetwork()
	secret := []byte("group secret for two")
	inA, inB := &inbox{}, &inbox{}

	start := func(id proto.PeerID, in *inbox) *Node {
		t.Helper()
		crypt, err := mcrypto.NewXChaCha(secret)
		require.NoError(t, err)
		n := NewNode(id, testConfig(), Options{Deliver: in.deliver, Crypto: crypt})
		ctx, cancel := context.WithCancel(context.Background())
		n.Start(ctx)
		n.AddLink("mem", net.Attach(id))
		t.Cleanup(func() {
			cancel()
			n.Shutdown()
		})
		return n
	}
	a := start(nodeID(1), inA)
	start(nodeID(2), inB)

	// The sender seals under its own id; the receiver opens with the
	// packet's SenderID, so the same key and AAD apply on both sides.
	require.Eventually(t, func() bool {
		return a.SendMessage([]byte("sealed hello")) == nil && inB.has("sealed hello")
	}, 3*time.Second, 20*time.Millisecond, "encrypted broadcast must decrypt on the peer")

	// What the mesh retains and relays is the ciphertext.
	msgs := a.Gossip().Store().Broadcasts()
	require.NotEmpty(t, msgs)
	assert.NotContains(t, string(msgs[0].Payload), "sealed hello")
}

func TestGCSNodesInteroperate(t *testing.T) {
	net := transport.NewMemNetwork()
	inA, inB := &inbox{}, &inbox{}

	a := NewNode(nodeID(1), testConfig(), Options{Deliver: inA.deliver, FilterKind: gossip.UseGCS})
	ctxA, cancelA := context.WithCancel(context.Background())
	a.Start(ctxA)
	a.AddLink("mem", net.Attach(nodeID(1)))
	t.Cleanup(func() {
		cancelA()
		a.Shutdown()
	})

	require.NoError(t, a.SendMessage([]byte("compact filter")))

	b := NewNode(nodeID(2), testConfig(), Options{Deliver: inB.deliver, FilterKind: gossip.UseGCS})
	ctxB, cancelB := context.WithCancel(context.Background())
	b.Start(ctxB)
	b.AddLink("mem", net.Attach(nodeID(2)))
	t.Cleanup(func() {
		cancelB()
		b.Shutdown()
	})

	require.Eventually(t, func() bool {
		return inB.has("compact filter")
	}, 3*time.Second, 20*time.Millisecond, "reconciliation must work with compact filters too")
}

func TestShutdownStopsLoops(t *testing.T) {
	net := transport.NewMemNetwork()
	in := &inbox{}
	n := NewNode(nodeID(9), testConfig(), Options{Deliver: in.deliver})
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.AddLink("mem", net.Attach(nodeID(9)))

	cancel()
	done := make(chan struct{})
	go func() {
		n.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete")
	}
}
