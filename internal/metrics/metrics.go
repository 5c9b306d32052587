// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a dedicated registry so independent node instances in one
// process never collide on collector registration.
type Metrics struct {
	registry *prometheus.Registry

	PacketsReceived prometheus.Counter
	PacketsRelayed  prometheus.Counter
	DropDuplicate   prometheus.Counter
	DropMalformed   prometheus.Counter
	DropTTLExpired  prometheus.Counter
	SyncRounds      prometheus.Counter
	SyncResends     prometheus.Counter
	SyncBadFilter   prometheus.Counter
	FramesRead      prometheus.Counter
	FramesWritten   prometheus.Counter
	KeepAlives      prometheus.Counter
	ConnectSuccess  prometheus.Counter
	ConnectFailure  prometheus.Counter
	RelaySendErrors prometheus.Counter
	ConnectedPeers  prometheus.Gauge
	RetainedPackets prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshlink",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(g)
		return g
	}
	return &Metrics{
		registry:        reg,
		PacketsReceived: counter("packets_received_total", "Packets decoded from any transport."),
		PacketsRelayed:  counter("packets_relayed_total", "Packets re-broadcast to sibling transports."),
		DropDuplicate:   counter("packets_drop_duplicate_total", "Packets dropped as duplicates."),
		DropMalformed:   counter("packets_drop_malformed_total", "Packets dropped as malformed."),
		DropTTLExpired:  counter("packets_drop_ttl_total", "Packets not relayed because TTL reached zero."),
		SyncRounds:      counter("sync_rounds_total", "Reconciliation requests broadcast."),
		SyncResends:     counter("sync_resends_total", "Packets resent to peers during reconciliation."),
		SyncBadFilter:   counter("sync_bad_filter_total", "Sync requests with undecodable filters."),
		FramesRead:      counter("frames_read_total", "Frames read across all channels."),
		FramesWritten:   counter("frames_written_total", "Frames written across all channels."),
		KeepAlives:      counter("keepalives_total", "Keep-alive frames sent."),
		ConnectSuccess:  counter("connect_success_total", "Successful connection attempts."),
		ConnectFailure:  counter("connect_failure_total", "Failed connection attempts."),
		RelaySendErrors: counter("relay_send_errors_total", "Errors sending to one transport during relay."),
		ConnectedPeers:  gauge("connected_peers", "Currently connected peers."),
		RetainedPackets: gauge("retained_packets", "Broadcast packets currently retained for sync."),
	}
}

// Handler serves the registry for the daemon's optional metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
