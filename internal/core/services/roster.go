package services

import (
	"context"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// Roster tracks who is currently in a session, projected from presence
// snapshots and incremental join/leave events. Joins drive peer connection
// creation; leaves and snapshot reconciliation drive teardown. A snapshot
// never initiates connections, only a fresh join does.
type Roster struct {
	sessionID domain.SessionID
	self      domain.UserID
	peers     ports.PeerManager
	metrics   ports.BroadcastMetrics
	logger    *zap.SugaredLogger

	mu           sync.RWMutex
	participants map[domain.UserID]domain.Participant
}

func NewRoster(
	sessionID domain.SessionID,
	self domain.UserID,
	peers ports.PeerManager,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *Roster {
	return &Roster{
		sessionID:    sessionID,
		self:         self,
		peers:        peers,
		metrics:      metrics,
		logger:       logger,
		participants: make(map[domain.UserID]domain.Participant),
	}
}

// HandleJoin caches the participant and, for any newly seen remote peer,
// initiates a connection. Both sides initiate symmetrically; the peer manager
// resolves the duplicate race by treating an existing connection as a no-op.
// Presence re-announces on every record update (role or streaming flag), so
// only a first sighting counts as a new peer.
func (r *Roster) HandleJoin(ctx context.Context, p domain.Participant) {
	r.mu.Lock()
	_, known := r.participants[p.UserID]
	r.participants[p.UserID] = p
	r.mu.Unlock()

	if known {
		r.logger.Debugw("presence updated",
			"session_id", r.sessionID,
			"user_id", p.UserID,
			"streaming", p.Streaming,
		)
	} else {
		r.logger.Infow("participant joined",
			"session_id", r.sessionID,
			"user_id", p.UserID,
			"role", p.Role,
		)
	}

	if p.UserID == r.self {
		return
	}

	if err := r.peers.CreateConnection(ctx, p.UserID, true); err != nil {
		r.logger.Warnw("failed to initiate connection on join",
			"session_id", r.sessionID,
			"user_id", p.UserID,
			"error", err,
		)
	}
	if r.metrics != nil {
		if !known {
			r.metrics.PeerConnected(r.sessionID)
		}
		r.metrics.ListenerCountChanged(r.sessionID, r.ListenerCount())
	}
}

// HandleLeave drops the participant and closes their peer session.
func (r *Roster) HandleLeave(userID domain.UserID) {
	r.mu.Lock()
	_, present := r.participants[userID]
	delete(r.participants, userID)
	r.mu.Unlock()

	r.peers.Close(userID)

	if !present {
		return
	}
	r.logger.Infow("participant left",
		"session_id", r.sessionID,
		"user_id", userID,
	)
	if r.metrics != nil {
		r.metrics.PeerDisconnected(r.sessionID)
		r.metrics.ListenerCountChanged(r.sessionID, r.ListenerCount())
	}
}

// ApplySnapshot rebuilds the visible participant set from a full-state
// snapshot, closing any cached peer session whose owner is no longer present.
func (r *Roster) ApplySnapshot(snapshot map[domain.UserID]domain.Participant) {
	r.mu.Lock()
	var gone []domain.UserID
	for userID := range r.participants {
		if _, still := snapshot[userID]; !still {
			gone = append(gone, userID)
		}
	}
	r.participants = make(map[domain.UserID]domain.Participant, len(snapshot))
	for userID, p := range snapshot {
		r.participants[userID] = p
	}
	r.mu.Unlock()

	for _, userID := range gone {
		r.peers.Close(userID)
		r.logger.Infow("participant dropped by snapshot reconciliation",
			"session_id", r.sessionID,
			"user_id", userID,
		)
	}
	if r.metrics != nil && len(gone) > 0 {
		r.metrics.ListenerCountChanged(r.sessionID, r.ListenerCount())
	}
}

// ListenerCount counts participants with the viewer role.
func (r *Roster) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, p := range r.participants {
		if p.IsViewer() {
			count++
		}
	}
	return count
}

// Participants returns a copy of the current roster.
func (r *Roster) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Get returns one cached participant.
func (r *Roster) Get(userID domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[userID]
	return p, ok
}
