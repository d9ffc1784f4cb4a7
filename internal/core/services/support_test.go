package services

import (
	"context"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

// fakeChannel records everything published and tracked, and lets tests
// inject failures at each step.
type fakeChannel struct {
	mu sync.Mutex

	subscribeErr error
	publishErr   error
	trackErr     error

	subscribed bool
	published  []*domain.Envelope
	tracked    []domain.Participant
	untracked  []domain.UserID
	snapshot   map[domain.UserID]domain.Participant

	messageHandlers []ports.MessageHandler
	joinHandlers    []ports.JoinHandler
	leaveHandlers   []ports.LeaveHandler
}

var _ ports.SignalingChannel = (*fakeChannel)(nil)

func newFakeChannel() *fakeChannel {
	return &fakeChannel{snapshot: make(map[domain.UserID]domain.Participant)}
}

func (c *fakeChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subscribed = true
	return nil
}

func (c *fakeChannel) Publish(ctx context.Context, env *domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, env)
	return nil
}

func (c *fakeChannel) Track(ctx context.Context, p domain.Participant) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trackErr != nil {
		return c.trackErr
	}
	c.tracked = append(c.tracked, p)
	c.snapshot[p.UserID] = p
	return nil
}

func (c *fakeChannel) Untrack(ctx context.Context, userID domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.untracked = append(c.untracked, userID)
	delete(c.snapshot, userID)
	return nil
}

func (c *fakeChannel) Snapshot(ctx context.Context) (map[domain.UserID]domain.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[domain.UserID]domain.Participant, len(c.snapshot))
	for id, p := range c.snapshot {
		out[id] = p
	}
	return out, nil
}

func (c *fakeChannel) OnMessage(h ports.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandlers = append(c.messageHandlers, h)
}

func (c *fakeChannel) OnJoin(h ports.JoinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joinHandlers = append(c.joinHandlers, h)
}

func (c *fakeChannel) OnLeave(h ports.LeaveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaveHandlers = append(c.leaveHandlers, h)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = false
	return nil
}

// byEvent filters published envelopes by event type.
func (c *fakeChannel) byEvent(event domain.EventType) []*domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*domain.Envelope
	for _, env := range c.published {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// stubTap is a hand-fed frame tap.
type stubTap struct {
	frames chan []float32
	once   sync.Once
	closed bool
}

func newStubTap() *stubTap {
	return &stubTap{frames: make(chan []float32, 16)}
}

func (t *stubTap) Frames() <-chan []float32 { return t.frames }

func (t *stubTap) Close() {
	t.once.Do(func() {
		t.closed = true
		close(t.frames)
	})
}

// fakeSource is a controllable audio source. It also satisfies the capture
// fallback interface when captureTap is set.
type fakeSource struct {
	mu sync.Mutex

	master     webrtc.TrackLocal
	tapErr     error
	taps       []*stubTap
	captureTap ports.FrameTap
	captureErr error

	sampleRate int
	position   float64
	loop       float64
	playing    bool
}

var _ ports.AudioSource = (*fakeSource)(nil)
var _ ports.CaptureSource = (*fakeSource)(nil)

func newFakeSource() *fakeSource {
	return &fakeSource{sampleRate: 48000}
}

func (s *fakeSource) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master != nil
}

func (s *fakeSource) MasterTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *fakeSource) OpenTap(frameSize int) (ports.FrameTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tapErr != nil {
		return nil, s.tapErr
	}
	t := newStubTap()
	s.taps = append(s.taps, t)
	return t, nil
}

func (s *fakeSource) OpenCaptureTap(frameSize int) (ports.FrameTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.captureErr != nil {
		return nil, s.captureErr
	}
	if s.captureTap == nil {
		return nil, domain.ErrNoAudioSource
	}
	return s.captureTap, nil
}

func (s *fakeSource) SampleRate() int { return s.sampleRate }

func (s *fakeSource) CurrentPlaybackTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *fakeSource) LoopDuration() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

func (s *fakeSource) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// fakeOutput records scheduled playback buffers.
type fakeOutput struct {
	mu        sync.Mutex
	scheduled [][]int16
	rates     []int
	clears    int
}

var _ ports.AudioOutput = (*fakeOutput)(nil)

func (o *fakeOutput) Schedule(samples []int16, sampleRate int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled = append(o.scheduled, samples)
	o.rates = append(o.rates, sampleRate)
}

func (o *fakeOutput) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
	o.scheduled = nil
	o.rates = nil
}

func (o *fakeOutput) scheduledCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.scheduled)
}

// fakePeers records peer manager calls.
type fakePeers struct {
	mu        sync.Mutex
	conns     map[domain.UserID]bool
	created   []domain.UserID
	closed    []domain.UserID
	closedAll int
	ensured   int
}

var _ ports.PeerManager = (*fakePeers)(nil)

func newFakePeers() *fakePeers {
	return &fakePeers{conns: make(map[domain.UserID]bool)}
}

func (p *fakePeers) CreateConnection(ctx context.Context, remote domain.UserID, initiator bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[remote] {
		return nil
	}
	p.conns[remote] = true
	p.created = append(p.created, remote)
	return nil
}

func (p *fakePeers) HandleOffer(ctx context.Context, from domain.UserID, offer domain.OfferPayload) error {
	return p.CreateConnection(ctx, from, false)
}

func (p *fakePeers) HandleAnswer(from domain.UserID, answer domain.AnswerPayload) error { return nil }

func (p *fakePeers) HandleICECandidate(from domain.UserID, cand domain.ICECandidatePayload) error {
	return nil
}

func (p *fakePeers) EnsureMasterAudioAttached(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured++
}

func (p *fakePeers) Has(remote domain.UserID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[remote]
}

func (p *fakePeers) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *fakePeers) Close(remote domain.UserID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, remote)
	p.closed = append(p.closed, remote)
}

func (p *fakePeers) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = make(map[domain.UserID]bool)
	p.closedAll++
}
