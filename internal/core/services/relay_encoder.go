package services

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// RelayEncoder is the host side of the relayed-chunk fallback path. It taps
// the mixed master signal, converts each frame to base64 PCM16 and publishes
// it with a session-scoped monotonic sequence number. The start announcement
// is emitted exactly once per activation, before the first chunk.
type RelayEncoder struct {
	sessionID domain.SessionID
	self      domain.UserID
	channel   ports.SignalingChannel
	source    ports.AudioSource
	frameSize int
	metrics   ports.BroadcastMetrics
	logger    *zap.SugaredLogger

	// AllowCaptureFallback substitutes a local capture tap when the master
	// signal is unavailable, instead of failing hard.
	AllowCaptureFallback bool

	mu      sync.Mutex
	state   domain.BroadcastState
	running bool
	tap     ports.FrameTap
	cancel  context.CancelFunc
}

func NewRelayEncoder(
	sessionID domain.SessionID,
	self domain.UserID,
	channel ports.SignalingChannel,
	source ports.AudioSource,
	frameSize int,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *RelayEncoder {
	return &RelayEncoder{
		sessionID: sessionID,
		self:      self,
		channel:   channel,
		source:    source,
		frameSize: frameSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetSource swaps the audio source used by future activations.
func (e *RelayEncoder) SetSource(src ports.AudioSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.source = src
}

// Start opens the sample tap and begins publishing chunks. The audio source
// is checked before any other step so a failed start has no side effects:
// no presence change, no channel messages.
func (e *RelayEncoder) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return domain.ErrAlreadyBroadcasting
	}

	tap, err := e.openTap()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.tap = tap
	e.cancel = cancel
	e.running = true

	go e.run(runCtx, tap)

	e.logger.Infow("relay broadcast started",
		"session_id", e.sessionID,
		"frame_size", e.frameSize,
		"sample_rate", e.source.SampleRate(),
	)
	return nil
}

func (e *RelayEncoder) openTap() (ports.FrameTap, error) {
	tap, err := e.source.OpenTap(e.frameSize)
	if err == nil {
		return tap, nil
	}
	if !errors.Is(err, domain.ErrNoAudioSource) {
		return nil, err
	}

	if e.AllowCaptureFallback {
		if capture, ok := e.source.(ports.CaptureSource); ok {
			tap, capErr := capture.OpenCaptureTap(e.frameSize)
			if capErr == nil {
				e.logger.Warnw("master signal unavailable, broadcasting local capture",
					"session_id", e.sessionID,
				)
				return tap, nil
			}
		}
	}
	return nil, err
}

func (e *RelayEncoder) run(ctx context.Context, tap ports.FrameTap) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-tap.Frames():
			if !ok {
				return
			}
			e.publishFrame(ctx, frame)
		}
	}
}

// publishFrame encodes and sends one chunk. Announcement, sequence increment
// and publish happen under one lock so the per-event state change is a
// single read-modify-write step.
func (e *RelayEncoder) publishFrame(ctx context.Context, frame []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	if !e.state.Announced {
		start, err := domain.NewEnvelope(domain.EventRadioStart, e.self, "", domain.RadioStartPayload{
			SampleRate: e.source.SampleRate(),
		})
		if err == nil {
			err = e.channel.Publish(ctx, start)
		}
		if err != nil {
			e.logger.Warnw("failed to publish start announcement",
				"session_id", e.sessionID,
				"error", err,
			)
			return
		}
		e.state.Announced = true
	}

	payload := domain.RadioChunkPayload{
		Sequence:   e.state.NextSequence(),
		Audio:      encodePCM16(frame),
		SampleRate: e.source.SampleRate(),
		Timestamp:  time.Now().UnixMilli(),
	}

	env, err := domain.NewEnvelope(domain.EventRadioChunk, e.self, "", payload)
	if err != nil {
		e.logger.Warnw("failed to marshal chunk",
			"session_id", e.sessionID,
			"sequence", payload.Sequence,
			"error", err,
		)
		return
	}
	if err := e.channel.Publish(ctx, env); err != nil {
		e.logger.Warnw("failed to publish chunk",
			"session_id", e.sessionID,
			"sequence", payload.Sequence,
			"error", err,
		)
		return
	}

	if e.metrics != nil {
		e.metrics.ChunkPublished(e.sessionID, len(payload.Audio))
	}
}

// Stop publishes the stop announcement, releases the tap and resets the
// sequence counter and announcement flag so a restart behaves like a fresh
// session. Idempotent: stopping twice, or without having started, is not an
// error, and cleanup failures are logged rather than propagated.
func (e *RelayEncoder) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		stop, err := domain.NewEnvelope(domain.EventRadioStop, e.self, "", domain.RadioStopPayload{})
		if err == nil {
			err = e.channel.Publish(ctx, stop)
		}
		if err != nil {
			e.logger.Warnw("failed to publish stop announcement",
				"session_id", e.sessionID,
				"error", err,
			)
		}

		e.cancel()
		e.tap.Close()
		e.tap = nil
		e.cancel = nil
		e.running = false

		e.logger.Infow("relay broadcast stopped", "session_id", e.sessionID)
	}

	e.state.Reset()
	return nil
}

// Running reports whether an activation is live.
func (e *RelayEncoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// State returns a copy of the activation state.
func (e *RelayEncoder) State() domain.BroadcastState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// encodePCM16 converts float samples to 16-bit little-endian PCM and base64
// encodes the result.
func encodePCM16(frame []float32) string {
	buf := make([]byte, len(frame)*2)
	for i, f := range frame {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(f*32767)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
