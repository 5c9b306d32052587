// internal/daemon/adapter.go
package daemon

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/frame"
	"meshlink/internal/proto"
	"meshlink/internal/transport"
)

// linkAdapter turns one physical Link into a bridge.Transport: it owns the
// framed channel per connected peer and fans encoded packets out to them.
type linkAdapter struct {
	id   string
	link transport.Link
	node *Node

	mu    sync.Mutex
	conns map[proto.PeerID]*peerConn
}

type peerConn struct {
	peer   proto.PeerID
	stream io.ReadWriteCloser
	ch     *frame.Channel
	done   chan struct{}
	once   sync.Once
}

func (pc *peerConn) close() {
	pc.once.Do(func() {
		close(pc.done)
		_ = pc.stream.Close()
	})
}

func newLinkAdapter(id string, link transport.Link, node *Node) *linkAdapter {
	return &linkAdapter{
		id:    id,
		link:  link,
		node:  node,
		conns: make(map[proto.PeerID]*peerConn),
	}
}

func (a *linkAdapter) ID() string {
	return a.id
}

// BroadcastPacket writes the encoded packet to every connected peer on
// this link. A failed write abandons that one send; the peer is not torn
// down here, repeated failures surface through its read loop.
func (a *linkAdapter) BroadcastPacket(pkt *proto.Packet) error {
	data, err := pkt.Encode()
	if err != nil {
		return err
	}
	for _, pc := range a.snapshot() {
		if err := pc.ch.Write(data); err != nil {
			a.node.log.Debug("broadcast write failed",
				zap.String("transport", a.id),
				zap.String("peer", pc.peer.Hex()),
				zap.Error(err))
			continue
		}
		if a.node.met != nil {
			a.node.met.FramesWritten.Inc()
		}
	}
	return nil
}

func (a *linkAdapter) SendToPeer(peer proto.PeerID, pkt *proto.Packet) error {
	a.mu.Lock()
	pc, ok := a.conns[peer]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s not connected on %s", peer.Hex(), a.id)
	}
	data, err := pkt.Encode()
	if err != nil {
		return err
	}
	if err := pc.ch.Write(data); err != nil {
		return err
	}
	if a.node.met != nil {
		a.node.met.FramesWritten.Inc()
	}
	return nil
}

func (a *linkAdapter) Close() error {
	a.mu.Lock()
	conns := make([]*peerConn, 0, len(a.conns))
	for _, pc := range a.conns {
		conns = append(conns, pc)
	}
	a.conns = make(map[proto.PeerID]*peerConn)
	a.mu.Unlock()
	for _, pc := range conns {
		pc.close()
	}
	return a.link.Close()
}

// addConn registers a fresh stream for peer, replacing and closing any
// previous one.
func (a *linkAdapter) addConn(peer proto.PeerID, stream io.ReadWriteCloser) *peerConn {
	pc := &peerConn{
		peer:   peer,
		stream: stream,
		ch:     frame.NewChannel(stream),
		done:   make(chan struct{}),
	}
	a.mu.Lock()
	old := a.conns[peer]
	a.conns[peer] = pc
	a.mu.Unlock()
	if old != nil {
		old.close()
	}
	return pc
}

// dropConn removes peer's stream if it is still the registered one.
func (a *linkAdapter) dropConn(peer proto.PeerID, pc *peerConn) {
	a.mu.Lock()
	if cur, ok := a.conns[peer]; ok && cur == pc {
		delete(a.conns, peer)
	}
	a.mu.Unlock()
	pc.close()
}

func (a *linkAdapter) getConn(peer proto.PeerID) *peerConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[peer]
}

func (a *linkAdapter) hasConn(peer proto.PeerID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.conns[peer]
	return ok
}

func (a *linkAdapter) snapshot() []*peerConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*peerConn, 0, len(a.conns))
	for _, pc := range a.conns {
		out = append(out, pc)
	}
	return out
}

func (a *linkAdapter) connCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

// keepAliveLoop emits zero-length frames until the connection goes away.
// A failed keep-alive write is abandoned like any other failed send.
func (a *linkAdapter) keepAliveLoop(pc *peerConn, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			if err := pc.ch.WriteKeepAlive(); err != nil {
				a.node.log.Debug("keepalive write failed",
					zap.String("peer", pc.peer.Hex()), zap.Error(err))
				continue
			}
			if a.node.met != nil {
				a.node.met.KeepAlives.Inc()
			}
		}
	}
}
