package audio

import (
	"sync"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"
)

// Clock returns the current position of the output clock. Injectable so
// scheduling is deterministic under test.
type Clock func() time.Duration

// PCMBuffer is one scheduled playback buffer.
type PCMBuffer struct {
	Samples    []int16
	SampleRate int
	StartAt    time.Duration
}

// PlaybackQueue schedules decoded relay buffers back-to-back on the output
// clock: each buffer starts where the previous one ends, or now if the queue
// was empty. Owned by exactly one decoder instance.
type PlaybackQueue struct {
	clock Clock
	sink  func(PCMBuffer)

	mu        sync.Mutex
	nextStart time.Duration
	scheduled int
}

var _ ports.AudioOutput = (*PlaybackQueue)(nil)

// NewPlaybackQueue builds a queue. sink receives each buffer with its
// assigned start time; a nil sink just advances the schedule.
func NewPlaybackQueue(clock Clock, sink func(PCMBuffer)) *PlaybackQueue {
	if clock == nil {
		start := time.Now()
		clock = func() time.Duration { return time.Since(start) }
	}
	return &PlaybackQueue{clock: clock, sink: sink}
}

func (q *PlaybackQueue) Schedule(samples []int16, sampleRate int) {
	if len(samples) == 0 || sampleRate <= 0 {
		return
	}

	dur := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	q.mu.Lock()
	now := q.clock()
	start := q.nextStart
	if start < now {
		start = now
	}
	q.nextStart = start + dur
	q.scheduled++
	sink := q.sink
	q.mu.Unlock()

	if sink != nil {
		sink(PCMBuffer{Samples: samples, SampleRate: sampleRate, StartAt: start})
	}
}

func (q *PlaybackQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextStart = 0
	q.scheduled = 0
}

// Scheduled reports how many buffers have been scheduled since the last
// Clear.
func (q *PlaybackQueue) Scheduled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scheduled
}

// NextStart reports where the next buffer would be placed on the clock.
func (q *PlaybackQueue) NextStart() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextStart
}
