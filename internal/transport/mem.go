// internal/transport/mem.go
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"meshlink/internal/proto"
)

// MemNetwork is an in-process link fabric for tests and simulations: every
// MemLink attached to the same network can dial every other by peer id.
type MemNetwork struct {
	mu    sync.Mutex
	links map[proto.PeerID]*MemLink
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{links: make(map[proto.PeerID]*MemLink)}
}

// Attach creates a link for peer id on this network and announces the new
// peer to everyone already attached.
func (n *MemNetwork) Attach(id proto.PeerID) *MemLink {
	l := &MemLink{
		net:    n,
		id:     id,
		inbox:  make(chan memConn, 16),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	n.mu.Lock()
	existing := make([]*MemLink, 0, len(n.links))
	for _, other := range n.links {
		existing = append(existing, other)
	}
	n.links[id] = l
	n.mu.Unlock()
	for _, other := range existing {
		other.notify(Event{Kind: PeerDiscovered, Peer: id})
		l.notify(Event{Kind: PeerDiscovered, Peer: other.id})
	}
	return l
}

// Detach removes the peer and reports it lost to the rest of the network.
func (n *MemNetwork) Detach(id proto.PeerID) {
	n.mu.Lock()
	delete(n.links, id)
	rest := make([]*MemLink, 0, len(n.links))
	for _, other := range n.links {
		rest = append(rest, other)
	}
	n.mu.Unlock()
	for _, other := range rest {
		other.notify(Event{Kind: PeerLost, Peer: id})
	}
}

func (n *MemNetwork) lookup(id proto.PeerID) (*MemLink, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.links[id]
	return l, ok
}

type memConn struct {
	peer   proto.PeerID
	stream io.ReadWriteCloser
}

// MemLink implements Link over net.Pipe streams.
type MemLink struct {
	net    *MemNetwork
	id     proto.PeerID
	inbox  chan memConn
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

var ErrLinkClosed = errors.New("link closed")

func (l *MemLink) ID() proto.PeerID {
	return l.id
}

func (l *MemLink) Open(ctx context.Context, peer proto.PeerID) (io.ReadWriteCloser, error) {
	remote, ok := l.net.lookup(peer)
	if !ok {
		return nil, errors.New("peer not attached")
	}
	local, far := net.Pipe()
	select {
	case remote.inbox <- memConn{peer: l.id, stream: far}:
		return local, nil
	case <-remote.done:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemLink) Accept(ctx context.Context) (proto.PeerID, io.ReadWriteCloser, error) {
	select {
	case c := <-l.inbox:
		return c.peer, c.stream, nil
	case <-l.done:
		return proto.PeerID{}, nil, ErrLinkClosed
	case <-ctx.Done():
		return proto.PeerID{}, nil, ctx.Err()
	}
}

func (l *MemLink) Events() <-chan Event {
	return l.events
}

func (l *MemLink) notify(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	default:
		// Drop when the consumer is saturated; discovery repeats.
	}
}

func (l *MemLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.net.Detach(l.id)
	})
	return nil
}
