// internal/bridge/bridge.go
package bridge

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"meshlink/internal/metrics"
	"meshlink/internal/proto"
)

// Transport is the capability each physical link adapter exposes to the
// bridge: enough to fan packets out, nothing about sockets or discovery.
type Transport interface {
	ID() string
	BroadcastPacket(pkt *proto.Packet) error
	SendToPeer(peer proto.PeerID, pkt *proto.Packet) error
	Close() error
}

// Handler receives every non-duplicate inbound packet exactly once, before
// any relay. The daemon uses it to feed the gossip manager and the local
// application.
type Handler func(source string, from proto.PeerID, pkt *proto.Packet)

var ErrUnknownTransport = errors.New("unknown transport")

// Bridge relays packets between independent physical link types. Loop
// prevention is layered: a packet is never echoed to its source transport,
// duplicates are dropped by packet id and by (senderID, timestamp), and
// relay copies carry a decremented TTL so a packet whose budget reaches
// zero travels no further.
type Bridge struct {
	mu         sync.RWMutex
	transports map[string]Transport

	byID     *dedupCache
	bySender *dedupCache

	handler Handler
	log     *zap.Logger
	met     *metrics.Metrics
}

func New(handler Handler, log *zap.Logger, met *metrics.Metrics) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		transports: make(map[string]Transport),
		byID:       newDedupCache(dedupCacheCap, dedupCacheTTL),
		bySender:   newDedupCache(dedupCacheCap, dedupCacheTTL),
		handler:    handler,
		log:        log,
		met:        met,
	}
}

// Register adds a transport to the relay set. Registering the same id
// again replaces the previous capability handle.
func (b *Bridge) Register(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[t.ID()] = t
	b.log.Info("transport registered", zap.String("transport", t.ID()))
}

// Unregister drops a transport; in-flight relays to it may still fail and
// are logged like any other partial failure.
func (b *Bridge) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, id)
}

// HandleInbound is the single entry point for packets arriving on any
// registered transport. Duplicates are dropped before the handler runs;
// fresh packets are delivered locally and then relayed to every other
// transport with TTL decremented.
func (b *Bridge) HandleInbound(source string, from proto.PeerID, pkt *proto.Packet) {
	if b.met != nil {
		b.met.PacketsReceived.Inc()
	}
	id := pkt.ID()
	dup := b.byID.seen(id)
	if b.bySender.seen(senderTimeKey(pkt.SenderID, pkt.Timestamp)) {
		dup = true
	}
	if dup {
		if b.met != nil {
			b.met.DropDuplicate.Inc()
		}
		b.log.Debug("duplicate packet dropped",
			zap.String("id", id.Hex()),
			zap.String("transport", source))
		return
	}
	if b.handler != nil {
		b.handler(source, from, pkt)
	}
	if pkt.TTL == 0 {
		if b.met != nil {
			b.met.DropTTLExpired.Inc()
		}
		return
	}
	b.Broadcast(source, pkt.RelayCopy())
}

// MarkLocal records a locally originated packet so transports echoing it
// back do not re-deliver it to the application.
func (b *Bridge) MarkLocal(pkt *proto.Packet) {
	b.byID.seen(pkt.ID())
	b.bySender.seen(senderTimeKey(pkt.SenderID, pkt.Timestamp))
}

// Broadcast forwards to every transport except the source. An error on one
// transport is logged and does not block delivery to the others.
func (b *Bridge) Broadcast(sourceID string, pkt *proto.Packet) {
	b.mu.RLock()
	targets := make([]Transport, 0, len(b.transports))
	for id, t := range b.transports {
		if id == sourceID {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.RUnlock()
	for _, t := range targets {
		if err := t.BroadcastPacket(pkt); err != nil {
			if b.met != nil {
				b.met.RelaySendErrors.Inc()
			}
			b.log.Debug("relay broadcast failed",
				zap.String("transport", t.ID()),
				zap.Error(err))
			continue
		}
		if b.met != nil {
			b.met.PacketsRelayed.Inc()
		}
	}
}

// SendToPeer is the unicast analogue of Broadcast.
func (b *Bridge) SendToPeer(sourceID string, peer proto.PeerID, pkt *proto.Packet) error {
	b.mu.RLock()
	targets := make([]Transport, 0, len(b.transports))
	for id, t := range b.transports {
		if id == sourceID {
			continue
		}
		targets = append(targets, t)
	}
	b.mu.RUnlock()
	if len(targets) == 0 {
		return ErrUnknownTransport
	}
	var lastErr error
	sent := false
	for _, t := range targets {
		if err := t.SendToPeer(peer, pkt); err != nil {
			if b.met != nil {
				b.met.RelaySendErrors.Inc()
			}
			b.log.Debug("relay unicast failed",
				zap.String("transport", t.ID()),
				zap.String("peer", peer.Hex()),
				zap.Error(err))
			lastErr = err
			continue
		}
		sent = true
	}
	if sent {
		return nil
	}
	return lastErr
}

// Transports lists the registered transport ids.
func (b *Bridge) Transports() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.transports))
	for id := range b.transports {
		out = append(out, id)
	}
	return out
}

// Close closes every registered transport; used at shutdown after read
// loops are cancelled.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.transports {
		if err := t.Close(); err != nil {
			b.log.Debug("transport close failed", zap.String("transport", id), zap.Error(err))
		}
		delete(b.transports, id)
	}
}
