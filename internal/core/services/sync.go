package services

import (
	"context"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// Synchronizer implements the late-join resynchronization protocol. A viewer
// sends one sync request on join; the host answers each request once,
// immediately, from the audio source's position at that moment. Sync data is
// advisory: the media stream itself carries the live signal, so an
// unanswered request simply has no effect.
type Synchronizer struct {
	sessionID domain.SessionID
	self      domain.UserID
	channel   ports.SignalingChannel
	source    ports.AudioSource
	hosting   func() bool
	metrics   ports.BroadcastMetrics
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	lastSync *domain.SyncResponsePayload
}

func NewSynchronizer(
	sessionID domain.SessionID,
	self domain.UserID,
	channel ports.SignalingChannel,
	source ports.AudioSource,
	hosting func() bool,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *Synchronizer {
	return &Synchronizer{
		sessionID: sessionID,
		self:      self,
		channel:   channel,
		source:    source,
		hosting:   hosting,
		metrics:   metrics,
		logger:    logger,
	}
}

// RequestSync sends a single sync request. No retry: a viewer that never
// hears back starts from an un-synchronized playhead.
func (s *Synchronizer) RequestSync(ctx context.Context) error {
	env, err := domain.NewEnvelope(domain.EventSyncRequest, s.self, "", domain.SyncRequestPayload{})
	if err != nil {
		return err
	}
	return s.channel.Publish(ctx, env)
}

// HandleRequest answers one sync request, only while this participant is the
// host. Requests from self and requests seen while not hosting produce no
// response and no error.
func (s *Synchronizer) HandleRequest(ctx context.Context, from domain.UserID) {
	if from == s.self || !s.hosting() {
		return
	}

	resp := domain.SyncResponsePayload{
		CurrentTime:  s.source.CurrentPlaybackTime(),
		LoopDuration: s.source.LoopDuration(),
		IsPlaying:    s.source.Playing(),
	}

	env, err := domain.NewEnvelope(domain.EventSyncResponse, s.self, from, resp)
	if err != nil {
		s.logger.Warnw("failed to build sync response",
			"session_id", s.sessionID,
			"to", from,
			"error", err,
		)
		return
	}
	if err := s.channel.Publish(ctx, env); err != nil {
		s.logger.Warnw("failed to publish sync response",
			"session_id", s.sessionID,
			"to", from,
			"error", err,
		)
		return
	}

	if s.metrics != nil {
		s.metrics.SyncResponseSent(s.sessionID)
	}
}

// HandleResponse records the host's answer for any transport-level resync
// logic to consult.
func (s *Synchronizer) HandleResponse(resp domain.SyncResponsePayload) {
	s.mu.Lock()
	s.lastSync = &resp
	s.mu.Unlock()

	s.logger.Debugw("sync response received",
		"session_id", s.sessionID,
		"current_time", resp.CurrentTime,
		"is_playing", resp.IsPlaying,
	)
}

// LastSync returns the most recent sync response, if one arrived.
func (s *Synchronizer) LastSync() (domain.SyncResponsePayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSync == nil {
		return domain.SyncResponsePayload{}, false
	}
	return *s.lastSync, true
}
