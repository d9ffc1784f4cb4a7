package audio

import (
	"sync"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Engine adapts the session's mixed master signal for both broadcast paths.
// The embedding mixer writes encoded samples into the master track and pushes
// raw frames through PushFrame; the engine fans those frames out to relay
// taps and answers playback-position queries for sync responses.
//
// One Engine per process, chosen by the composition root.
type Engine struct {
	sampleRate int
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	initialized bool
	master      *webrtc.TrackLocalStaticSample
	taps        map[*frameTap]struct{}
	capture     func(frameSize int) (ports.FrameTap, error)

	playing      bool
	positionAt   time.Time
	position     float64
	loopDuration float64
}

var _ ports.AudioSource = (*Engine)(nil)

func NewEngine(sampleRate int, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		sampleRate: sampleRate,
		logger:     logger,
		taps:       make(map[*frameTap]struct{}),
	}
}

// Initialize creates the master outbound track. Safe to call more than once.
func (e *Engine) Initialize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"master-audio",
		"cookmode",
	)
	if err != nil {
		return err
	}

	e.master = track
	e.initialized = true
	e.logger.Infow("audio engine initialized", "sample_rate", e.sampleRate)
	return nil
}

func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized
}

func (e *Engine) MasterTrack() webrtc.TrackLocal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.master == nil {
		return nil
	}
	return e.master
}

// MasterSampleTrack exposes the concrete track for the mixer to write into.
func (e *Engine) MasterSampleTrack() *webrtc.TrackLocalStaticSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.master
}

func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// SetCaptureSource installs the local microphone fallback used when the
// master signal is unavailable.
func (e *Engine) SetCaptureSource(open func(frameSize int) (ports.FrameTap, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.capture = open
}

// OpenTap opens a raw sample tap on the master signal. Pushed audio is
// re-framed so the tap delivers frames of exactly frameSize samples.
func (e *Engine) OpenTap(frameSize int) (ports.FrameTap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.master == nil {
		return nil, domain.ErrNoAudioSource
	}

	t := &frameTap{
		engine: e,
		size:   frameSize,
		frames: make(chan []float32, 8),
	}
	e.taps[t] = struct{}{}
	return t, nil
}

// OpenCaptureTap opens the fallback capture tap, when one is configured.
func (e *Engine) OpenCaptureTap(frameSize int) (ports.FrameTap, error) {
	e.mu.RLock()
	capture := e.capture
	e.mu.RUnlock()
	if capture == nil {
		return nil, domain.ErrNoAudioSource
	}
	return capture(frameSize)
}

// PushFrame delivers mixed samples to every open tap. Each tap re-frames
// them on its own; slow taps drop frames rather than stall the audio
// callback.
func (e *Engine) PushFrame(samples []float32) {
	e.mu.RLock()
	taps := make([]*frameTap, 0, len(e.taps))
	for t := range e.taps {
		taps = append(taps, t)
	}
	e.mu.RUnlock()

	for _, t := range taps {
		t.push(samples)
	}
}

// SetTransport records the mixer's playback position. Position advances by
// wall clock between updates while playing.
func (e *Engine) SetTransport(position, loopDuration float64, playing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = position
	e.loopDuration = loopDuration
	e.playing = playing
	e.positionAt = time.Now()
}

func (e *Engine) CurrentPlaybackTime() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.playing {
		return e.position
	}
	pos := e.position + time.Since(e.positionAt).Seconds()
	if e.loopDuration > 0 {
		for pos >= e.loopDuration {
			pos -= e.loopDuration
		}
	}
	return pos
}

func (e *Engine) LoopDuration() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.loopDuration
}

func (e *Engine) Playing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.playing
}

func (e *Engine) closeTap(t *frameTap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.taps, t)
}

type frameTap struct {
	engine *Engine
	size   int
	frames chan []float32
	once   sync.Once

	mu      sync.Mutex
	pending []float32
	closed  bool
}

func (t *frameTap) Frames() <-chan []float32 {
	return t.frames
}

// push accumulates samples and emits size-sample frames as they fill up. A
// non-positive size passes pushed audio through unframed.
func (t *frameTap) push(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	if t.size <= 0 {
		t.emit(samples)
		return
	}

	t.pending = append(t.pending, samples...)
	for len(t.pending) >= t.size {
		frame := make([]float32, t.size)
		copy(frame, t.pending[:t.size])
		t.pending = t.pending[t.size:]
		t.emit(frame)
	}
}

func (t *frameTap) emit(frame []float32) {
	select {
	case t.frames <- frame:
	default:
		t.engine.logger.Debugw("tap buffer full, dropping frame")
	}
}

func (t *frameTap) Close() {
	t.once.Do(func() {
		t.engine.closeTap(t)
		t.mu.Lock()
		t.closed = true
		close(t.frames)
		t.mu.Unlock()
	})
}
