package services

import (
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"
)

// MetricsService keeps in-memory per-session broadcast counters. The
// monitoring collector exports the same interface to Prometheus; MultiMetrics
// fans updates out to both.
type MetricsService struct {
	mu sync.RWMutex

	peerCount     map[domain.SessionID]int
	listenerCount map[domain.SessionID]int
	chunksSent    map[domain.SessionID]uint64
	chunkBytes    map[domain.SessionID]uint64
	chunksDropped map[domain.SessionID]uint64
	syncResponses map[domain.SessionID]uint64
}

var _ ports.BroadcastMetrics = (*MetricsService)(nil)

func NewMetricsService() *MetricsService {
	return &MetricsService{
		peerCount:     make(map[domain.SessionID]int),
		listenerCount: make(map[domain.SessionID]int),
		chunksSent:    make(map[domain.SessionID]uint64),
		chunkBytes:    make(map[domain.SessionID]uint64),
		chunksDropped: make(map[domain.SessionID]uint64),
		syncResponses: make(map[domain.SessionID]uint64),
	}
}

func (m *MetricsService) PeerConnected(session domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerCount[session]++
}

func (m *MetricsService) PeerDisconnected(session domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerCount[session] > 0 {
		m.peerCount[session]--
	}
}

func (m *MetricsService) ListenerCountChanged(session domain.SessionID, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerCount[session] = count
}

func (m *MetricsService) ChunkPublished(session domain.SessionID, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksSent[session]++
	m.chunkBytes[session] += uint64(bytes)
}

func (m *MetricsService) ChunkDropped(session domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksDropped[session]++
}

func (m *MetricsService) SyncResponseSent(session domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncResponses[session]++
}

func (m *MetricsService) PeerCount(session domain.SessionID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peerCount[session]
}

func (m *MetricsService) ListenerCount(session domain.SessionID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listenerCount[session]
}

func (m *MetricsService) ChunksPublished(session domain.SessionID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunksSent[session]
}

func (m *MetricsService) ChunksDropped(session domain.SessionID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunksDropped[session]
}

func (m *MetricsService) SyncResponses(session domain.SessionID) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncResponses[session]
}

// MultiMetrics forwards every update to each backing recorder.
type MultiMetrics []ports.BroadcastMetrics

var _ ports.BroadcastMetrics = (MultiMetrics)(nil)

func (mm MultiMetrics) PeerConnected(session domain.SessionID) {
	for _, m := range mm {
		m.PeerConnected(session)
	}
}

func (mm MultiMetrics) PeerDisconnected(session domain.SessionID) {
	for _, m := range mm {
		m.PeerDisconnected(session)
	}
}

func (mm MultiMetrics) ListenerCountChanged(session domain.SessionID, count int) {
	for _, m := range mm {
		m.ListenerCountChanged(session, count)
	}
}

func (mm MultiMetrics) ChunkPublished(session domain.SessionID, bytes int) {
	for _, m := range mm {
		m.ChunkPublished(session, bytes)
	}
}

func (mm MultiMetrics) ChunkDropped(session domain.SessionID) {
	for _, m := range mm {
		m.ChunkDropped(session)
	}
}

func (mm MultiMetrics) SyncResponseSent(session domain.SessionID) {
	for _, m := range mm {
		m.SyncResponseSent(session)
	}
}
