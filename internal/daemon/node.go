// internal/daemon/node.go
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/bridge"
	"meshlink/internal/config"
	"meshlink/internal/conntrack"
	mcrypto "meshlink/internal/crypto"
	"meshlink/internal/gossip"
	"meshlink/internal/metrics"
	"meshlink/internal/proto"
	"meshlink/internal/transport"
)

// Delivery is the local application sink. Payload is the decrypted message
// body; the raw packet rides along for metadata.
type Delivery func(pkt *proto.Packet, payload []byte)

// Node is the explicit context object wiring the mesh core together. One
// instance per process component; nothing here is process-global, so tests
// run several nodes side by side.
type Node struct {
	ID  proto.PeerID
	cfg config.Config

	log *zap.Logger
	met *metrics.Metrics

	bridge  *bridge.Bridge
	tracker *conntrack.Tracker
	sync    *gossip.Manager
	crypt   mcrypto.Crypto
	signer  *mcrypto.Signer

	deliver Delivery

	mu       sync.Mutex
	adapters map[string]*linkAdapter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the optional collaborators; zero values select the
// identity crypto, no signing, and a nop logger.
type Options struct {
	Crypto     mcrypto.Crypto
	Signer     *mcrypto.Signer
	FilterKind gossip.FilterKind
	Deliver    Delivery
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func NewNode(id proto.PeerID, cfg config.Config, opts Options) *Node {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Crypto == nil {
		opts.Crypto = mcrypto.Identity{}
	}
	if opts.FilterKind == 0 {
		opts.FilterKind = gossip.UseBloom
	}
	n := &Node{
		ID:       id,
		cfg:      cfg,
		log:      opts.Logger.With(zap.String("node", id.Hex())),
		met:      opts.Metrics,
		crypt:    opts.Crypto,
		signer:   opts.Signer,
		deliver:  opts.Deliver,
		adapters: make(map[string]*linkAdapter),
	}
	n.bridge = bridge.New(n.onPacket, n.log, opts.Metrics)
	n.tracker = conntrack.New(cfg.BackoffBase, cfg.MaxBackoff, cfg.MaxAttempts, n.log)
	n.sync = gossip.NewManager(id, cfg, opts.FilterKind, &bridgeSender{n: n}, n.log, opts.Metrics)
	return n
}

// Tracker exposes the connection table for introspection.
func (n *Node) Tracker() *conntrack.Tracker {
	return n.tracker
}

// Gossip exposes the sync manager for introspection.
func (n *Node) Gossip() *gossip.Manager {
	return n.sync
}

// Start launches the reconciliation timer and arms the run context the
// per-link loops stop on. Call Start before AddLink.
func (n *Node) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.sync.Run(n.ctx)
	}()
}

// Shutdown cancels every per-peer read task and the reconciliation timer,
// then closes every registered transport. In-flight writes complete or
// fail before their sockets close.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.bridge.Close()
	n.wg.Wait()
}

// AddLink registers a physical link under the given transport id and
// starts its accept, event, and outbound-connect loops.
func (n *Node) AddLink(id string, link transport.Link) {
	a := newLinkAdapter(id, link, n)
	n.mu.Lock()
	n.adapters[id] = a
	n.mu.Unlock()
	n.bridge.Register(a)
	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(a)
	}()
	go func() {
		defer n.wg.Done()
		n.eventLoop(a)
	}()
	go func() {
		defer n.wg.Done()
		n.connectLoop(a)
	}()
}

// SendMessage broadcasts an application message into the mesh and retains
// it for reconciliation.
func (n *Node) SendMessage(plain []byte) error {
	// Bind the ciphertext to the sender id: receivers open with the
	// packet's SenderID, so both sides derive the same key and AAD.
	sealed, err := n.crypt.Encrypt(plain, n.ID)
	if err != nil {
		return err
	}
	pkt := proto.NewBroadcast(proto.TypeMessage, n.ID, uint64(time.Now().UnixMilli()), proto.DefaultTTL, sealed)
	n.originate(pkt)
	return nil
}

// Announce broadcasts this node's presence; the payload is the nickname,
// signed when a signer is configured.
func (n *Node) Announce(nickname string) {
	pkt := proto.NewBroadcast(proto.TypeAnnounce, n.ID, uint64(time.Now().UnixMilli()), proto.DefaultTTL, []byte(nickname))
	if n.signer != nil {
		pkt.Signature = n.signer.SignPacket(pkt)
	}
	n.originate(pkt)
}

func (n *Node) originate(pkt *proto.Packet) {
	n.bridge.MarkLocal(pkt)
	n.sync.OnPublicPacketSeen(pkt)
	n.bridge.Broadcast("", pkt)
}

// onPacket is the bridge handler: every non-duplicate inbound packet lands
// here exactly once before relay.
func (n *Node) onPacket(source string, from proto.PeerID, pkt *proto.Packet) {
	n.sync.OnPublicPacketSeen(pkt)
	switch pkt.Type {
	case proto.TypeRequestSync:
		// Answer off the read loop. Resend writes can block on a slow
		// peer, and two nodes answering each other at once must both
		// keep reading for either write to complete.
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sync.HandleRequestSync(pkt.SenderID, pkt.Payload)
		}()
	case proto.TypeMessage:
		if n.deliver == nil {
			return
		}
		plain, err := n.crypt.Decrypt(pkt.Payload, pkt.SenderID)
		if err != nil {
			n.log.Debug("message decrypt failed",
				zap.String("sender", pkt.SenderID.Hex()), zap.Error(err))
			return
		}
		n.deliver(pkt, plain)
	case proto.TypeAnnounce, proto.TypeLeave:
		if n.deliver != nil {
			n.deliver(pkt, pkt.Payload)
		}
	}
}

func (n *Node) acceptLoop(a *linkAdapter) {
	ctx := n.runCtx()
	for {
		peer, stream, err := a.link.Accept(ctx)
		if err != nil {
			return
		}
		pc := a.addConn(peer, stream)
		n.tracker.Discovered(peer)
		n.tracker.MarkConnected(peer)
		n.onPeerUp(a, peer, pc)
	}
}

func (n *Node) eventLoop(a *linkAdapter) {
	ctx := n.runCtx()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.link.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.PeerDiscovered:
				n.tracker.Discovered(ev.Peer)
				n.tracker.Rediscovered(ev.Peer)
			case transport.PeerLost:
				if pc := a.getConn(ev.Peer); pc != nil {
					a.dropConn(ev.Peer, pc)
				}
				n.tracker.MarkDisconnected(ev.Peer)
				n.updatePeerGauge()
			}
		}
	}
}

// connectLoop drives outbound attempts for discovered peers that are due
// per the tracker's backoff schedule.
func (n *Node) connectLoop(a *linkAdapter) {
	ctx := n.runCtx()
	ticker := time.NewTicker(n.cfg.ConnectTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range n.tracker.Snapshot() {
				peer := st.Peer
				if peer == n.ID || a.hasConn(peer) {
					continue
				}
				if !n.tracker.ShouldAttempt(peer) {
					continue
				}
				n.tracker.MarkConnecting(peer)
				stream, err := a.link.Open(ctx, peer)
				if err != nil {
					if n.met != nil {
						n.met.ConnectFailure.Inc()
					}
					n.tracker.MarkFailed(peer)
					continue
				}
				pc := a.addConn(peer, stream)
				n.tracker.MarkConnected(peer)
				n.onPeerUp(a, peer, pc)
			}
		}
	}
}

func (n *Node) onPeerUp(a *linkAdapter, peer proto.PeerID, pc *peerConn) {
	if n.met != nil {
		n.met.ConnectSuccess.Inc()
	}
	n.updatePeerGauge()
	n.sync.NotifyConnected(peer)
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.readLoop(a, peer, pc)
	}()
	go func() {
		defer n.wg.Done()
		a.keepAliveLoop(pc, n.cfg.KeepAliveInterval)
	}()
}

// readLoop is the per-socket inbound task: one per connected peer,
// terminating when the channel reports end of stream or a protocol
// violation.
func (n *Node) readLoop(a *linkAdapter, peer proto.PeerID, pc *peerConn) {
	defer func() {
		a.dropConn(peer, pc)
		n.tracker.MarkDisconnected(peer)
		n.updatePeerGauge()
	}()
	for {
		payload, err := pc.ch.Read()
		if err != nil {
			n.log.Debug("read loop ended",
				zap.String("transport", a.id),
				zap.String("peer", peer.Hex()),
				zap.Error(err))
			return
		}
		if n.met != nil {
			n.met.FramesRead.Inc()
		}
		if len(payload) == 0 {
			// Keep-alive, never forwarded to packet parsing.
			continue
		}
		pkt, err := proto.Decode(payload)
		if err != nil {
			if n.met != nil {
				n.met.DropMalformed.Inc()
			}
			n.log.Debug("malformed packet dropped",
				zap.String("peer", peer.Hex()), zap.Error(err))
			continue
		}
		n.bridge.HandleInbound(a.id, peer, pkt)
	}
}

func (n *Node) runCtx() context.Context {
	if n.ctx != nil {
		return n.ctx
	}
	return context.Background()
}

func (n *Node) updatePeerGauge() {
	if n.met == nil {
		return
	}
	total := 0
	n.mu.Lock()
	for _, a := range n.adapters {
		total += a.connCount()
	}
	n.mu.Unlock()
	n.met.ConnectedPeers.Set(float64(total))
}

// bridgeSender adapts the bridge to the gossip manager's outbound
// capability. Locally originated sync traffic is marked in the dedup
// caches so transport echoes never re-enter the pipeline.
type bridgeSender struct {
	n *Node
}

func (s *bridgeSender) BroadcastPacket(pkt *proto.Packet) error {
	s.n.bridge.MarkLocal(pkt)
	s.n.bridge.Broadcast("", pkt)
	return nil
}

func (s *bridgeSender) SendToPeer(peer proto.PeerID, pkt *proto.Packet) error {
	s.n.bridge.MarkLocal(pkt)
	return s.n.bridge.SendToPeer("", peer, pkt)
}
