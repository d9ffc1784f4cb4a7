package ports

import "github.com/pion/webrtc/v3"

// FrameTap is one raw sample-processing tap on the master audio signal.
// Frames are push-driven by the audio subsystem's own clock.
type FrameTap interface {
	Frames() <-chan []float32
	Close()
}

// AudioSource is the broadcast source adapter: an accessor to the session's
// mixed master signal. One instance per process, chosen at composition time
// so tests can substitute a fake.
type AudioSource interface {
	Initialized() bool

	// MasterTrack returns the current outbound audio track, or nil when no
	// master signal is available.
	MasterTrack() webrtc.TrackLocal

	// OpenTap opens a sample tap delivering frames of frameSize samples at
	// the source sample rate. Returns domain.ErrNoAudioSource when no
	// master signal exists.
	OpenTap(frameSize int) (FrameTap, error)

	SampleRate() int
	CurrentPlaybackTime() float64
	LoopDuration() float64
	Playing() bool
}

// CaptureSource is the documented relay fallback: a local microphone capture
// used when the master signal is unavailable. Distinct from a hard failure.
type CaptureSource interface {
	OpenCaptureTap(frameSize int) (FrameTap, error)
}

// AudioOutput schedules decoded relay buffers back-to-back on an output
// clock. Owned by one decoder instance.
type AudioOutput interface {
	// Schedule queues samples for playback immediately after the previous
	// buffer, or now if the queue is empty.
	Schedule(samples []int16, sampleRate int)
	Clear()
}
