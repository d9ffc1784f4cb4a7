package services

import (
	"context"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// MeshTransport is the peer-mesh broadcast path behind the common transport
// interface. Starting it attaches the master track to every peer connection;
// media flows over the connections the roster maintains.
type MeshTransport struct {
	peers  ports.PeerManager
	roster *Roster
	logger *zap.SugaredLogger

	mu      sync.Mutex
	source  ports.AudioSource
	started bool
}

var _ ports.BroadcastTransport = (*MeshTransport)(nil)

func NewMeshTransport(peers ports.PeerManager, roster *Roster, source ports.AudioSource, logger *zap.SugaredLogger) *MeshTransport {
	return &MeshTransport{
		peers:  peers,
		roster: roster,
		source: source,
		logger: logger,
	}
}

func (t *MeshTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.source == nil || t.source.MasterTrack() == nil {
		return domain.ErrNoAudioSource
	}

	t.peers.EnsureMasterAudioAttached(ctx)
	t.started = true
	return nil
}

func (t *MeshTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	return nil
}

// AttachSource swaps the outbound source and reconciles every connection's
// senders against its current master track.
func (t *MeshTransport) AttachSource(src ports.AudioSource) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
	t.peers.EnsureMasterAudioAttached(context.Background())
}

func (t *MeshTransport) ListenerCount() int {
	return t.roster.ListenerCount()
}

func (t *MeshTransport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// RelayTransport is the relayed-chunk path behind the common transport
// interface, delegating to the host-side encoder.
type RelayTransport struct {
	encoder *RelayEncoder
	roster  *Roster
}

var _ ports.BroadcastTransport = (*RelayTransport)(nil)

func NewRelayTransport(encoder *RelayEncoder, roster *Roster) *RelayTransport {
	return &RelayTransport{encoder: encoder, roster: roster}
}

func (t *RelayTransport) Start(ctx context.Context) error {
	return t.encoder.Start(ctx)
}

func (t *RelayTransport) Stop(ctx context.Context) error {
	return t.encoder.Stop(ctx)
}

func (t *RelayTransport) AttachSource(src ports.AudioSource) {
	t.encoder.SetSource(src)
}

func (t *RelayTransport) ListenerCount() int {
	return t.roster.ListenerCount()
}
