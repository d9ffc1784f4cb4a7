package ports

import (
	"context"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
)

// MessageHandler receives one envelope from the session channel. Handlers
// must contain their own failures; the delivery loop drops anything they
// panic or error on and keeps going.
type MessageHandler func(env *domain.Envelope)

// JoinHandler receives incremental presence joins.
type JoinHandler func(p domain.Participant)

// LeaveHandler receives incremental presence leaves.
type LeaveHandler func(userID domain.UserID)

// SnapshotHandler receives periodic full-state presence snapshots.
type SnapshotHandler func(participants map[domain.UserID]domain.Participant)

// SignalingChannel is one session's pub/sub transport: typed broadcast
// messages addressed by an application-level To field, plus a presence
// facility. Delivery is at-least-once and order-preserving per sender only.
type SignalingChannel interface {
	// Subscribe starts message and presence delivery. It must complete
	// before any Publish or Track; a failure here means the session never
	// produced a side effect.
	Subscribe(ctx context.Context) error

	Publish(ctx context.Context, env *domain.Envelope) error

	// Track declares this process's participant record in presence.
	// Calling it again updates role and streaming flags in place.
	Track(ctx context.Context, p domain.Participant) error
	Untrack(ctx context.Context, userID domain.UserID) error

	// Snapshot returns the full current presence state.
	Snapshot(ctx context.Context) (map[domain.UserID]domain.Participant, error)

	OnMessage(h MessageHandler)
	OnJoin(h JoinHandler)
	OnLeave(h LeaveHandler)

	Close() error
}
