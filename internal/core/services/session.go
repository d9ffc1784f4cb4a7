package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/tracing"

	"go.uber.org/zap"
)

// SessionConfig carries the session-level tunables.
type SessionConfig struct {
	PresenceRefreshInterval time.Duration
	SyncRequestOnJoin       bool
	RelayFrameSize          int
}

// Session glues the broadcast subsystem together for one cook mode session:
// channel subscription, presence, message routing, the late-join protocol and
// the two broadcast transports. The channel delivers events one at a time;
// every handler below funnels shared state through the owning component.
type Session struct {
	id      domain.SessionID
	channel ports.SignalingChannel
	peers   ports.PeerManager
	logger  *zap.SugaredLogger
	cfg     SessionConfig

	roster  *Roster
	sync    *Synchronizer
	encoder *RelayEncoder
	decoder *RelayDecoder
	mesh    *MeshTransport
	relay   *RelayTransport

	mu            sync.Mutex
	self          domain.Participant
	joined        bool
	handlersBound bool
	cancel        context.CancelFunc
}

func NewSession(
	id domain.SessionID,
	self domain.Participant,
	channel ports.SignalingChannel,
	peers ports.PeerManager,
	source ports.AudioSource,
	output ports.AudioOutput,
	metrics ports.BroadcastMetrics,
	cfg SessionConfig,
	logger *zap.SugaredLogger,
) *Session {
	s := &Session{
		id:      id,
		self:    self,
		channel: channel,
		peers:   peers,
		logger:  logger,
		cfg:     cfg,
	}

	s.roster = NewRoster(id, self.UserID, peers, metrics, logger)
	s.sync = NewSynchronizer(id, self.UserID, channel, source, s.Hosting, metrics, logger)
	s.encoder = NewRelayEncoder(id, self.UserID, channel, source, cfg.RelayFrameSize, metrics, logger)
	s.decoder = NewRelayDecoder(id, self.UserID, output, metrics, logger)
	s.mesh = NewMeshTransport(peers, s.roster, source, logger)
	s.relay = NewRelayTransport(s.encoder, s.roster)

	return s
}

// Join subscribes to the session channel and enters presence. A channel that
// never reaches the subscribed state aborts the join before any media or
// presence side effect.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}

	if !s.handlersBound {
		s.channel.OnMessage(s.route)
		s.channel.OnJoin(func(p domain.Participant) {
			s.roster.HandleJoin(context.Background(), p)
		})
		s.channel.OnLeave(s.roster.HandleLeave)
		s.handlersBound = true
	}

	if err := s.channel.Subscribe(ctx); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to join session %s: %w", s.id, err)
	}

	if err := s.channel.Track(ctx, s.self); err != nil {
		// Unsubscribe again: a join that reports failure must not keep
		// processing live traffic.
		if cerr := s.channel.Close(); cerr != nil {
			s.logger.Warnw("channel close after failed join",
				"session_id", s.id,
				"error", cerr,
			)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to enter presence for session %s: %w", s.id, err)
	}

	if snapshot, err := s.channel.Snapshot(ctx); err != nil {
		s.logger.Warnw("initial presence snapshot failed",
			"session_id", s.id,
			"error", err,
		)
	} else {
		s.roster.ApplySnapshot(snapshot)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.refreshPresence(refreshCtx)

	s.joined = true
	self := s.self
	s.mu.Unlock()

	// Outside the lock: publishing may dispatch straight back into this
	// session's own handlers on an in-process transport.
	if self.Role == domain.RoleViewer && s.cfg.SyncRequestOnJoin {
		if err := s.sync.RequestSync(ctx); err != nil {
			s.logger.Warnw("sync request failed",
				"session_id", s.id,
				"error", err,
			)
		}
	}

	s.logger.Infow("joined session",
		"session_id", s.id,
		"user_id", self.UserID,
		"role", self.Role,
	)
	return nil
}

// refreshPresence periodically reconciles the roster against full snapshots.
func (s *Session) refreshPresence(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PresenceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := s.channel.Snapshot(ctx)
			if err != nil {
				s.logger.Warnw("presence snapshot failed",
					"session_id", s.id,
					"error", err,
				)
				continue
			}
			s.roster.ApplySnapshot(snapshot)
		}
	}
}

// route dispatches one envelope to the owning component. Unmarshal failures
// and per-message handler errors are contained here; nothing may escape into
// the channel's delivery loop.
func (s *Session) route(env *domain.Envelope) {
	if !env.AddressedTo(s.self.UserID) {
		return
	}

	switch env.Event {
	case domain.EventOffer:
		if env.From == s.self.UserID {
			return
		}
		var p domain.OfferPayload
		if !s.unmarshal(env, &p) {
			return
		}
		spanCtx, span := tracing.TraceSignaling(context.Background(), string(env.Event), string(env.From))
		if err := s.peers.HandleOffer(spanCtx, env.From, p); err != nil {
			tracing.RecordError(spanCtx, err)
			s.logger.Warnw("offer handling failed",
				"session_id", s.id,
				"from", env.From,
				"error", err,
			)
		}
		span.End()

	case domain.EventAnswer:
		if env.From == s.self.UserID {
			return
		}
		var p domain.AnswerPayload
		if !s.unmarshal(env, &p) {
			return
		}
		_ = s.peers.HandleAnswer(env.From, p)

	case domain.EventICECandidate:
		if env.From == s.self.UserID {
			return
		}
		var p domain.ICECandidatePayload
		if !s.unmarshal(env, &p) {
			return
		}
		_ = s.peers.HandleICECandidate(env.From, p)

	case domain.EventSyncRequest:
		s.sync.HandleRequest(context.Background(), env.From)

	case domain.EventSyncResponse:
		var p domain.SyncResponsePayload
		if !s.unmarshal(env, &p) {
			return
		}
		s.sync.HandleResponse(p)

	case domain.EventRadioStart:
		if env.From == s.self.UserID {
			return
		}
		var p domain.RadioStartPayload
		if !s.unmarshal(env, &p) {
			return
		}
		s.decoder.HandleStart(p)

	case domain.EventRadioChunk:
		if env.From == s.self.UserID {
			return
		}
		var p domain.RadioChunkPayload
		if !s.unmarshal(env, &p) {
			return
		}
		s.decoder.HandleChunk(p)

	case domain.EventRadioStop:
		if env.From == s.self.UserID {
			return
		}
		s.decoder.HandleStop()

	default:
		s.logger.Debugw("unknown event dropped",
			"session_id", s.id,
			"event", env.Event,
		)
	}
}

func (s *Session) unmarshal(env *domain.Envelope, out interface{}) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		s.logger.Warnw("malformed payload dropped",
			"session_id", s.id,
			"event", env.Event,
			"from", env.From,
			"error", err,
		)
		return false
	}
	return true
}

// StartBroadcast starts the requested transport paths. The paths are
// independent: one failing does not prevent the other, and the combined
// error reports whatever could not start. Presence advertises streaming only
// after at least one path is live.
func (s *Session) StartBroadcast(ctx context.Context, mesh, relay bool) error {
	s.mu.Lock()
	joined := s.joined
	role := s.self.Role
	s.mu.Unlock()
	if !joined {
		return domain.ErrSessionClosed
	}
	if role != domain.RoleHost {
		return domain.ErrNotHost
	}

	var errs []error
	started := false

	if mesh {
		spanCtx, span := tracing.TraceBroadcast(ctx, "start", string(s.id), "mesh")
		if err := s.mesh.Start(spanCtx); err != nil {
			tracing.RecordError(spanCtx, err)
			errs = append(errs, fmt.Errorf("mesh: %w", err))
		} else {
			started = true
		}
		span.End()
	}

	if relay {
		spanCtx, span := tracing.TraceBroadcast(ctx, "start", string(s.id), "relay")
		if err := s.relay.Start(spanCtx); err != nil {
			tracing.RecordError(spanCtx, err)
			errs = append(errs, fmt.Errorf("relay: %w", err))
		} else {
			started = true
		}
		span.End()
	}

	if started {
		s.setStreaming(ctx, true)
	}
	return errors.Join(errs...)
}

// StopBroadcast stops both paths. Idempotent.
func (s *Session) StopBroadcast(ctx context.Context) {
	_, span := tracing.TraceBroadcast(ctx, "stop", string(s.id), "all")
	defer span.End()

	if err := s.mesh.Stop(ctx); err != nil {
		s.logger.Warnw("mesh stop failed", "session_id", s.id, "error", err)
	}
	if err := s.relay.Stop(ctx); err != nil {
		s.logger.Warnw("relay stop failed", "session_id", s.id, "error", err)
	}
	s.setStreaming(ctx, false)
}

func (s *Session) setStreaming(ctx context.Context, streaming bool) {
	s.mu.Lock()
	if s.self.Streaming == streaming {
		s.mu.Unlock()
		return
	}
	s.self.Streaming = streaming
	self := s.self
	s.mu.Unlock()

	if err := s.channel.Track(ctx, self); err != nil {
		s.logger.Warnw("failed to update streaming flag",
			"session_id", s.id,
			"error", err,
		)
	}
}

// Leave stops broadcasting, exits presence and tears down every peer
// connection. Safe to call more than once.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	cancel := s.cancel
	s.cancel = nil
	self := s.self
	s.mu.Unlock()

	s.StopBroadcast(ctx)

	if cancel != nil {
		cancel()
	}

	if err := s.channel.Untrack(ctx, self.UserID); err != nil {
		s.logger.Warnw("failed to leave presence",
			"session_id", s.id,
			"error", err,
		)
	}

	s.peers.CloseAll()

	if err := s.channel.Close(); err != nil {
		s.logger.Warnw("failed to close channel",
			"session_id", s.id,
			"error", err,
		)
	}

	s.logger.Infow("left session",
		"session_id", s.id,
		"user_id", self.UserID,
	)
	return nil
}

// Hosting reports whether this participant is the session's active host.
func (s *Session) Hosting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined && s.self.Role == domain.RoleHost
}

// Roster exposes the presence roster for UI bindings.
func (s *Session) Roster() *Roster {
	return s.roster
}

// Synchronizer exposes the late-join synchronizer.
func (s *Session) Synchronizer() *Synchronizer {
	return s.sync
}

// Decoder exposes the relay playback decoder.
func (s *Session) Decoder() *RelayDecoder {
	return s.decoder
}

// Encoder exposes the relay broadcast encoder.
func (s *Session) Encoder() *RelayEncoder {
	return s.encoder
}

// Mesh exposes the peer-mesh transport.
func (s *Session) Mesh() *MeshTransport {
	return s.mesh
}

// Relay exposes the relay transport.
func (s *Session) Relay() *RelayTransport {
	return s.relay
}
