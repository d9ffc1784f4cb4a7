package services

import (
	"encoding/base64"
	"encoding/binary"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// RelayDecoder is the viewer side of the relayed-chunk path. It accepts only
// chunks with strictly increasing sequence numbers, decodes them and hands
// them to an ordered playback queue. The last accepted sequence is owned by
// this instance alone; no cross-instance mutation.
type RelayDecoder struct {
	sessionID domain.SessionID
	self      domain.UserID
	output    ports.AudioOutput
	metrics   ports.BroadcastMetrics
	logger    *zap.SugaredLogger

	mu         sync.Mutex
	live       bool
	sampleRate int
	lastSeq    uint64
}

func NewRelayDecoder(
	sessionID domain.SessionID,
	self domain.UserID,
	output ports.AudioOutput,
	metrics ports.BroadcastMetrics,
	logger *zap.SugaredLogger,
) *RelayDecoder {
	return &RelayDecoder{
		sessionID: sessionID,
		self:      self,
		output:    output,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleStart marks the source live and resets the acceptance window. The
// host's sequence counter restarts at 1 on each activation, so a stale
// lastSeq would silently eat the whole new broadcast.
func (d *RelayDecoder) HandleStart(p domain.RadioStartPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live = true
	d.sampleRate = p.SampleRate
	d.lastSeq = 0
	d.output.Clear()

	d.logger.Infow("relay broadcast live",
		"session_id", d.sessionID,
		"sample_rate", p.SampleRate,
	)
}

// HandleChunk enforces the only ordering guarantee the relay path provides:
// a chunk whose sequence is not strictly greater than the last accepted one
// is discarded silently. Duplicates and late reorderings never regress the
// acceptance window.
func (d *RelayDecoder) HandleChunk(p domain.RadioChunkPayload) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.Sequence <= d.lastSeq {
		if d.metrics != nil {
			d.metrics.ChunkDropped(d.sessionID)
		}
		return
	}
	d.lastSeq = p.Sequence

	samples, err := decodePCM16(p.Audio)
	if err != nil {
		d.logger.Warnw("failed to decode chunk",
			"session_id", d.sessionID,
			"sequence", p.Sequence,
			"error", err,
		)
		return
	}

	rate := p.SampleRate
	if rate == 0 {
		rate = d.sampleRate
	}
	d.output.Schedule(samples, rate)
}

// HandleStop clears the queue and marks the source not live. Chunks that
// straggle in afterwards still pass through sequence filtering only.
func (d *RelayDecoder) HandleStop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.live = false
	d.output.Clear()

	d.logger.Infow("relay broadcast ended", "session_id", d.sessionID)
}

func (d *RelayDecoder) Live() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// LastAccepted returns the highest sequence accepted so far.
func (d *RelayDecoder) LastAccepted() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeq
}

// decodePCM16 reverses the encoder's base64 PCM16 little-endian framing.
func decodePCM16(audio string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return nil, err
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples, nil
}
