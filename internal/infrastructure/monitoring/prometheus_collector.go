package monitoring

import (
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports broadcast counters. It implements the same
// recorder interface as the in-memory metrics service and is fanned out to
// alongside it by the composition root.
type PrometheusCollector struct {
	peersConnected prometheus.Gauge
	listeners      *prometheus.GaugeVec
	chunksTotal    *prometheus.CounterVec
	chunkBytes     *prometheus.CounterVec
	chunksDropped  *prometheus.CounterVec
	syncResponses  *prometheus.CounterVec
}

var _ ports.BroadcastMetrics = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		peersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cookmode_peers_connected_total",
			Help: "Total number of connected peers across sessions",
		}),

		listeners: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cookmode_session_listeners",
			Help: "Number of viewers currently in each session",
		}, []string{"session_id"}),

		chunksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cookmode_relay_chunks_published_total",
			Help: "Total relay chunks published per session",
		}, []string{"session_id"}),

		chunkBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cookmode_relay_chunk_bytes_total",
			Help: "Total encoded relay payload bytes published per session",
		}, []string{"session_id"}),

		chunksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cookmode_relay_chunks_dropped_total",
			Help: "Relay chunks discarded for stale or duplicate sequence numbers",
		}, []string{"session_id"}),

		syncResponses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cookmode_sync_responses_total",
			Help: "Sync responses answered by the host per session",
		}, []string{"session_id"}),
	}
}

func (p *PrometheusCollector) PeerConnected(session domain.SessionID) {
	p.peersConnected.Inc()
}

func (p *PrometheusCollector) PeerDisconnected(session domain.SessionID) {
	p.peersConnected.Dec()
}

func (p *PrometheusCollector) ListenerCountChanged(session domain.SessionID, count int) {
	p.listeners.WithLabelValues(string(session)).Set(float64(count))
}

func (p *PrometheusCollector) ChunkPublished(session domain.SessionID, bytes int) {
	p.chunksTotal.WithLabelValues(string(session)).Inc()
	p.chunkBytes.WithLabelValues(string(session)).Add(float64(bytes))
}

func (p *PrometheusCollector) ChunkDropped(session domain.SessionID) {
	p.chunksDropped.WithLabelValues(string(session)).Inc()
}

func (p *PrometheusCollector) SyncResponseSent(session domain.SessionID) {
	p.syncResponses.WithLabelValues(string(session)).Inc()
}
