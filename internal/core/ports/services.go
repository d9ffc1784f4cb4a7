package ports

import (
	"context"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
)

// PeerManager owns one peer connection per remote participant and funnels
// every mutation of that state through its operations.
type PeerManager interface {
	// CreateConnection establishes a connection for the remote user if none
	// exists. An existing connection makes this a no-op, which is how
	// duplicate offer races resolve.
	CreateConnection(ctx context.Context, remote domain.UserID, initiator bool) error

	// HandleOffer finds or lazily creates the connection, applies the
	// remote offer and answers it.
	HandleOffer(ctx context.Context, from domain.UserID, offer domain.OfferPayload) error

	// HandleAnswer applies the answer to an existing connection. A missing
	// connection is a late or duplicate message and is silently ignored.
	HandleAnswer(from domain.UserID, answer domain.AnswerPayload) error

	// HandleICECandidate applies a trickled candidate, with the same
	// ignore-if-missing rule as HandleAnswer.
	HandleICECandidate(from domain.UserID, cand domain.ICECandidatePayload) error

	// EnsureMasterAudioAttached reconciles every connection's sender list
	// against the current master track. Idempotent per track identity.
	EnsureMasterAudioAttached(ctx context.Context)

	Has(remote domain.UserID) bool
	ConnectionCount() int

	Close(remote domain.UserID)
	CloseAll()
}

// BroadcastTransport is the common surface of the two broadcast paths
// (peer mesh and relayed chunks). A session may run one, the other, or both;
// each is resilient to the other being absent.
type BroadcastTransport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AttachSource(src AudioSource)
	ListenerCount() int
}

// BroadcastMetrics records transport-level counters. Implemented in-memory
// by the core metrics service and exported by the monitoring collector.
type BroadcastMetrics interface {
	PeerConnected(session domain.SessionID)
	PeerDisconnected(session domain.SessionID)
	ListenerCountChanged(session domain.SessionID, count int)
	ChunkPublished(session domain.SessionID, bytes int)
	ChunkDropped(session domain.SessionID)
	SyncResponseSent(session domain.SessionID)
}
