// internal/transport/transport.go
package transport

import (
	"context"
	"io"

	"meshlink/internal/proto"
)

// EventKind classifies link-layer notifications.
type EventKind int

const (
	PeerDiscovered EventKind = iota
	PeerLost
)

// Event is a link-layer state change. Events arrive over a channel, in the
// order the underlying link produced them; the core assumes nothing about
// the link's threading model.
type Event struct {
	Kind EventKind
	Peer proto.PeerID
	Addr string
}

// Link is the physical link capability the daemon consumes: open a duplex
// stream to a peer, accept inbound streams, and observe discovery/loss.
// Everything above this interface is transport-agnostic.
type Link interface {
	// Open dials the peer and returns a duplex byte stream.
	Open(ctx context.Context, peer proto.PeerID) (io.ReadWriteCloser, error)
	// Accept blocks for the next inbound stream and the peer it came from.
	Accept(ctx context.Context) (proto.PeerID, io.ReadWriteCloser, error)
	// Events delivers discovery and link-loss notifications.
	Events() <-chan Event
	Close() error
}
