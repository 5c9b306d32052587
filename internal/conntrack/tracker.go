// internal/conntrack/tracker.go
package conntrack

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/proto"
)

// Phase is a peer's position in the connection lifecycle.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// PeerState is one entry in the tracker table.
type PeerState struct {
	Peer        proto.PeerID
	Phase       Phase
	Attempts    uint32
	NextRetryAt time.Time
}

// Tracker governs connection attempts, capped exponential backoff, and
// cleanup per peer. It knows nothing about sockets or wire formats; the
// transport adapter supplies success and failure signals.
type Tracker struct {
	mu    sync.Mutex
	peers map[proto.PeerID]*PeerState

	base        time.Duration
	max         time.Duration
	maxAttempts uint32
	jitter      time.Duration

	rng *rand.Rand
	now func() time.Time
	log *zap.Logger
}

const defaultJitter = time.Second

func New(base, max time.Duration, maxAttempts int, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if max < base {
		max = base
	}
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	return &Tracker{
		peers:       make(map[proto.PeerID]*PeerState),
		base:        base,
		max:         max,
		maxAttempts: uint32(maxAttempts),
		jitter:      defaultJitter,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		now:         time.Now,
		log:         log,
	}
}

// Discovered creates a Disconnected entry for a peer not yet in the table.
func (t *Tracker) Discovered(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[peer]; ok {
		return
	}
	t.peers[peer] = &PeerState{Peer: peer, Phase: Disconnected}
	t.log.Debug("peer discovered", zap.String("peer", peer.Hex()))
}

// ShouldAttempt reports whether an outbound attempt to peer is due: the
// peer is Disconnected, under the attempt cap, and past its backoff.
func (t *Tracker) ShouldAttempt(peer proto.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	if !ok || st.Phase != Disconnected {
		return false
	}
	if st.Attempts >= t.maxAttempts {
		return false
	}
	return !t.now().Before(st.NextRetryAt)
}

// MarkConnecting records the start of an attempt and bumps the counter.
func (t *Tracker) MarkConnecting(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(peer)
	st.Phase = Connecting
	st.Attempts++
}

// MarkConnected clears backoff state after a successful attempt or an
// accepted inbound connection.
func (t *Tracker) MarkConnected(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(peer)
	st.Phase = Connected
	st.Attempts = 0
	st.NextRetryAt = time.Time{}
	t.log.Debug("peer connected", zap.String("peer", peer.Hex()))
}

// MarkFailed moves the peer back to Disconnected and schedules the next
// retry. After maxAttempts failures the peer stays Disconnected with no
// automatic retry until rediscovered at the link layer.
func (t *Tracker) MarkFailed(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(peer)
	st.Phase = Disconnected
	if st.Attempts >= t.maxAttempts {
		st.NextRetryAt = time.Time{}
		t.log.Debug("peer retry budget exhausted", zap.String("peer", peer.Hex()))
		return
	}
	backoff := t.Backoff(st.Attempts) + time.Duration(t.rng.Int63n(int64(t.jitter)))
	st.NextRetryAt = t.now().Add(backoff)
	t.log.Debug("peer backoff scheduled",
		zap.String("peer", peer.Hex()),
		zap.Uint32("attempts", st.Attempts),
		zap.Duration("backoff", backoff))
}

// MarkDisconnected records link loss; scheduling is the same as a failed
// attempt so a flapping link does not retry in a tight loop.
func (t *Tracker) MarkDisconnected(peer proto.PeerID) {
	t.MarkFailed(peer)
}

// Rediscovered resets the attempt budget when the link layer reports the
// peer again after retries were exhausted.
func (t *Tracker) Rediscovered(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.ensureLocked(peer)
	if st.Phase == Disconnected {
		st.Attempts = 0
		st.NextRetryAt = time.Time{}
	}
}

// Remove deletes the entry for a peer that is permanently gone.
func (t *Tracker) Remove(peer proto.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peer)
}

// State returns a copy of the peer's entry.
func (t *Tracker) State(peer proto.PeerID) (PeerState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.peers[peer]
	if !ok {
		return PeerState{}, false
	}
	return *st, true
}

// Snapshot returns a copy of the full table.
func (t *Tracker) Snapshot() []PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PeerState, 0, len(t.peers))
	for _, st := range t.peers {
		out = append(out, *st)
	}
	return out
}

// Backoff is the deterministic capped exponential schedule for the given
// attempt count; jitter is added only at scheduling time.
func (t *Tracker) Backoff(attempts uint32) time.Duration {
	if attempts == 0 {
		return 0
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	d := t.base * time.Duration(1<<shift)
	if d > t.max || d <= 0 {
		return t.max
	}
	return d
}

func (t *Tracker) ensureLocked(peer proto.PeerID) *PeerState {
	st, ok := t.peers[peer]
	if !ok {
		st = &PeerState{Peer: peer, Phase: Disconnected}
		t.peers[peer] = st
	}
	return st
}
