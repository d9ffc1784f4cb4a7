package webrtc

import (
	"context"
	"sync"
	"testing"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/logger"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu        sync.Mutex
	published []*domain.Envelope
}

var _ ports.SignalingChannel = (*recordingChannel)(nil)

func (c *recordingChannel) Subscribe(ctx context.Context) error { return nil }

func (c *recordingChannel) Publish(ctx context.Context, env *domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, env)
	return nil
}

func (c *recordingChannel) Track(ctx context.Context, p domain.Participant) error   { return nil }
func (c *recordingChannel) Untrack(ctx context.Context, userID domain.UserID) error { return nil }
func (c *recordingChannel) Snapshot(ctx context.Context) (map[domain.UserID]domain.Participant, error) {
	return nil, nil
}
func (c *recordingChannel) OnMessage(h ports.MessageHandler) {}
func (c *recordingChannel) OnJoin(h ports.JoinHandler)       {}
func (c *recordingChannel) OnLeave(h ports.LeaveHandler)     {}
func (c *recordingChannel) Close() error                     { return nil }

type trackSource struct {
	mu     sync.Mutex
	master webrtc.TrackLocal
}

var _ ports.AudioSource = (*trackSource)(nil)

func (s *trackSource) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master != nil
}

func (s *trackSource) MasterTrack() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.master
}

func (s *trackSource) setMaster(t webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.master = t
}

func (s *trackSource) OpenTap(frameSize int) (ports.FrameTap, error) {
	return nil, domain.ErrNoAudioSource
}

func (s *trackSource) SampleRate() int              { return 48000 }
func (s *trackSource) CurrentPlaybackTime() float64 { return 0 }
func (s *trackSource) LoopDuration() float64        { return 0 }
func (s *trackSource) Playing() bool                { return false }

func newMasterTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test",
	)
	require.NoError(t, err)
	return track
}

func newTestManager(source ports.AudioSource) (*Manager, *recordingChannel) {
	channel := &recordingChannel{}
	return NewManager(Config{}, "me", channel, source, logger.Nop()), channel
}

func audioSenderCount(pc *webrtc.PeerConnection) int {
	count := 0
	for _, sender := range pc.GetSenders() {
		if track := sender.Track(); track != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			count++
		}
	}
	return count
}

func TestCreateConnectionIsIdempotent(t *testing.T) {
	m, _ := newTestManager(&trackSource{})
	defer m.CloseAll()

	require.NoError(t, m.CreateConnection(context.Background(), "remote", true))
	require.NoError(t, m.CreateConnection(context.Background(), "remote", true))
	require.NoError(t, m.CreateConnection(context.Background(), "remote", false))

	assert.Equal(t, 1, m.ConnectionCount())
	assert.True(t, m.Has("remote"))
}

func TestHandleAnswerForUnknownPeerIsIgnored(t *testing.T) {
	m, _ := newTestManager(&trackSource{})

	err := m.HandleAnswer("stranger", domain.AnswerPayload{SDPType: "answer", SDP: "v=0"})
	assert.NoError(t, err)
	assert.Zero(t, m.ConnectionCount())
}

func TestHandleICECandidateForUnknownPeerIsIgnored(t *testing.T) {
	m, _ := newTestManager(&trackSource{})

	err := m.HandleICECandidate("stranger", domain.ICECandidatePayload{Candidate: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Zero(t, m.ConnectionCount())
}

func TestEnsureMasterAudioAttachedKeepsSingleSender(t *testing.T) {
	source := &trackSource{}
	source.setMaster(newMasterTrack(t, "master-audio"))

	m, _ := newTestManager(source)
	defer m.CloseAll()

	require.NoError(t, m.CreateConnection(context.Background(), "remote", true))

	m.mu.Lock()
	sess := m.sessions["remote"]
	m.mu.Unlock()
	require.NotNil(t, sess)
	assert.Equal(t, 1, audioSenderCount(sess.pc))

	// Reconciling again and again never stacks a second sender.
	m.EnsureMasterAudioAttached(context.Background())
	m.EnsureMasterAudioAttached(context.Background())
	assert.Equal(t, 1, audioSenderCount(sess.pc))
}

func TestEnsureMasterAudioAttachedSwapsTrack(t *testing.T) {
	source := &trackSource{}
	source.setMaster(newMasterTrack(t, "master-audio"))

	m, _ := newTestManager(source)
	defer m.CloseAll()

	require.NoError(t, m.CreateConnection(context.Background(), "remote", true))

	source.setMaster(newMasterTrack(t, "master-audio-v2"))
	m.EnsureMasterAudioAttached(context.Background())

	m.mu.Lock()
	sess := m.sessions["remote"]
	m.mu.Unlock()

	require.Equal(t, 1, audioSenderCount(sess.pc))
	sess.mu.Lock()
	assert.Equal(t, "master-audio-v2", sess.lastTrackID)
	sess.mu.Unlock()
}

func TestCreateConnectionWithoutMasterAddsRecvonly(t *testing.T) {
	m, _ := newTestManager(&trackSource{})
	defer m.CloseAll()

	require.NoError(t, m.CreateConnection(context.Background(), "remote", true))

	m.mu.Lock()
	sess := m.sessions["remote"]
	m.mu.Unlock()

	// No outbound audio yet, but a transceiver exists to drive negotiation.
	assert.Zero(t, audioSenderCount(sess.pc))
	assert.NotEmpty(t, sess.pc.GetTransceivers())
}

func TestCloseAllTearsDownEverything(t *testing.T) {
	m, _ := newTestManager(&trackSource{})

	require.NoError(t, m.CreateConnection(context.Background(), "a", true))
	require.NoError(t, m.CreateConnection(context.Background(), "b", false))
	require.Equal(t, 2, m.ConnectionCount())

	m.CloseAll()
	assert.Zero(t, m.ConnectionCount())
	assert.Nil(t, m.CombinedStream("a"))

	// Closing an already-closed peer is a no-op.
	m.Close("a")
}
