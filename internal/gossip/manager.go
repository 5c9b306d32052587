// internal/gossip/manager.go
package gossip

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshlink/internal/config"
	"meshlink/internal/filter"
	"meshlink/internal/metrics"
	"meshlink/internal/proto"
)

// Sender is the outbound capability the manager needs: broadcast a sync
// request to one-hop neighbors and resend individual packets to a single
// peer. The daemon backs it with the transport bridge.
type Sender interface {
	BroadcastPacket(pkt *proto.Packet) error
	SendToPeer(peer proto.PeerID, pkt *proto.Packet) error
}

// FilterKind selects which reconciliation filter the periodic request
// announces. GCS trades encode/decode CPU for fewer bytes per element and
// suits links where filter size dominates.
type FilterKind uint8

const (
	UseBloom FilterKind = FilterKind(proto.FilterKindBloom)
	UseGCS   FilterKind = FilterKind(proto.FilterKindGCS)
)

// fullResendMinInterval rate-limits the fail-safe resend-everything
// response to undecodable filters from one peer. A hostile peer spamming
// corrupt sync requests otherwise turns the fail-safe into an
// amplification vector.
const fullResendMinInterval = 30 * time.Second

// Manager runs anti-entropy reconciliation: it records publicly relevant
// packets, periodically announces its seen-set to neighbors, and answers
// remote announcements with whatever the requester is missing.
type Manager struct {
	self proto.PeerID
	cfg  config.Config
	kind FilterKind

	seen  *filter.Seen
	store *RetainedStore

	sender Sender
	log    *zap.Logger
	met    *metrics.Metrics

	mu             sync.Mutex
	lastFullResend map[proto.PeerID]time.Time

	kick chan struct{}
	now  func() time.Time
}

func NewManager(self proto.PeerID, cfg config.Config, kind FilterKind, sender Sender, log *zap.Logger, met *metrics.Metrics) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		self:           self,
		cfg:            cfg,
		kind:           kind,
		seen:           filter.NewSeen(cfg.SeenFilterBytes, cfg.SeenFilterFpr),
		store:          NewRetainedStore(cfg.StoreCapacity),
		sender:         sender,
		log:            log,
		met:            met,
		lastFullResend: make(map[proto.PeerID]time.Time),
		kick:           make(chan struct{}, 1),
		now:            time.Now,
	}
}

// OnPublicPacketSeen records packets worth retransmitting during
// reconciliation: broadcast messages and per-sender announcements. All
// other packet types are ignored here.
func (m *Manager) OnPublicPacketSeen(pkt *proto.Packet) {
	switch pkt.Type {
	case proto.TypeMessage:
		if !pkt.RecipientID.IsBroadcast() {
			return
		}
		id := pkt.ID()
		m.store.AddBroadcast(id, pkt)
		m.seen.Add(id[:])
		if m.met != nil {
			m.met.RetainedPackets.Set(float64(m.store.Len()))
		}
	case proto.TypeAnnounce:
		m.store.SetAnnouncement(pkt)
		id := pkt.ID()
		m.seen.Add(id[:])
	case proto.TypeLeave:
		m.store.RemoveAnnouncement(pkt.SenderID)
	}
}

// MightContain reports whether the local seen filter may hold id.
func (m *Manager) MightContain(id proto.PacketID) bool {
	return m.seen.MightContain(id[:])
}

// Store exposes the retained packets for introspection.
func (m *Manager) Store() *RetainedStore {
	return m.store
}

// NotifyConnected requests an extra reconciliation round shortly after a
// connection is confirmed, ahead of the periodic timer.
func (m *Manager) NotifyConnected(peer proto.PeerID) {
	delay := m.cfg.SyncInitialDelay
	if delay <= 0 {
		m.kickSync()
		return
	}
	time.AfterFunc(delay, m.kickSync)
}

func (m *Manager) kickSync() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run drives the periodic reconciliation broadcast until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.BroadcastSyncRequest()
		case <-m.kick:
			m.BroadcastSyncRequest()
		}
	}
}

// BroadcastSyncRequest encodes the current seen-set into a REQUEST_SYNC
// packet with TTL 0 and hands it to the sender. A round that cannot reach
// any neighbor does no work and waits for the next tick.
func (m *Manager) BroadcastSyncRequest() {
	payload, err := m.encodeFilter()
	if err != nil {
		m.log.Warn("sync filter encode failed", zap.Error(err))
		return
	}
	pkt := proto.NewBroadcast(proto.TypeRequestSync, m.self, uint64(m.now().UnixMilli()), 0, payload)
	if err := m.sender.BroadcastPacket(pkt); err != nil {
		m.log.Debug("sync broadcast failed", zap.Error(err))
		return
	}
	if m.met != nil {
		m.met.SyncRounds.Inc()
	}
}

func (m *Manager) encodeFilter() ([]byte, error) {
	if m.kind == UseGCS {
		ids := m.knownIDs()
		p, space, data := filter.BuildGCS(ids, proto.MaxSyncFilterBytes, m.cfg.SeenFilterFpr)
		return proto.EncodeSyncRequest(proto.SyncRequest{
			Kind: proto.FilterKindGCS,
			GCS:  &proto.GCSFilter{P: p, M: space, Data: data},
		})
	}
	k, bits := m.seen.SnapshotActive()
	return proto.EncodeSyncRequest(proto.SyncRequest{
		Kind:  proto.FilterKindBloom,
		Bloom: &proto.BloomSnapshot{K: k, Bits: bits},
	})
}

func (m *Manager) knownIDs() [][]byte {
	var ids [][]byte
	for _, pkt := range m.store.Announcements() {
		id := pkt.ID()
		ids = append(ids, append([]byte(nil), id[:]...))
	}
	for _, pkt := range m.store.Broadcasts() {
		id := pkt.ID()
		ids = append(ids, append([]byte(nil), id[:]...))
	}
	return ids
}

// HandleRequestSync answers a REQUEST_SYNC from peer: every retained
// announcement and broadcast message absent from the announced filter is
// resent directly to the requester with TTL forced to 0, a one-hop
// courtesy that cannot start a re-broadcast storm. Malformed payloads are
// dropped silently.
func (m *Manager) HandleRequestSync(from proto.PeerID, payload []byte) {
	req, err := proto.DecodeSyncRequest(payload)
	if err != nil {
		if m.met != nil {
			m.met.SyncBadFilter.Inc()
		}
		m.log.Debug("malformed sync request dropped",
			zap.String("peer", from.Hex()), zap.Error(err))
		return
	}
	contains, decodable := m.membership(req)
	if !decodable {
		// Fail-safe: treat an undecodable filter as empty and resend
		// everything, but not more often than the per-peer floor.
		if m.met != nil {
			m.met.SyncBadFilter.Inc()
		}
		if !m.allowFullResend(from) {
			m.log.Debug("full resend suppressed", zap.String("peer", from.Hex()))
			return
		}
		contains = func([]byte) bool { return false }
	}
	resent := 0
	for _, pkt := range m.store.Announcements() {
		if m.resendIfMissing(from, pkt, contains) {
			resent++
		}
	}
	for _, pkt := range m.store.Broadcasts() {
		if m.resendIfMissing(from, pkt, contains) {
			resent++
		}
	}
	if resent > 0 {
		m.log.Debug("reconciliation resend",
			zap.String("peer", from.Hex()), zap.Int("packets", resent))
	}
}

func (m *Manager) resendIfMissing(to proto.PeerID, pkt *proto.Packet, contains func([]byte) bool) bool {
	id := pkt.ID()
	if contains(id[:]) {
		return false
	}
	cp := *pkt
	cp.TTL = 0
	if err := m.sender.SendToPeer(to, &cp); err != nil {
		m.log.Debug("reconciliation send failed",
			zap.String("peer", to.Hex()), zap.Error(err))
		return false
	}
	if m.met != nil {
		m.met.SyncResends.Inc()
	}
	return true
}

// membership builds the membership-test closure over the remote filter.
// The second return is false when the filter body is undecodable.
func (m *Manager) membership(req proto.SyncRequest) (func([]byte) bool, bool) {
	switch req.Kind {
	case proto.FilterKindBloom:
		bits, k := req.Bloom.Bits, int(req.Bloom.K)
		return func(id []byte) bool {
			return filter.Contains(bits, k, id)
		}, true
	case proto.FilterKindGCS:
		values, err := filter.DecodeGCS(req.GCS.P, req.GCS.M, req.GCS.Data)
		if err != nil {
			return nil, false
		}
		space := req.GCS.M
		return func(id []byte) bool {
			return filter.GCSContains(values, space, id)
		}, true
	default:
		return nil, false
	}
}

func (m *Manager) allowFullResend(peer proto.PeerID) bool {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastFullResend[peer]; ok && now.Sub(last) < fullResendMinInterval {
		return false
	}
	m.lastFullResend[peer] = now
	return true
}
