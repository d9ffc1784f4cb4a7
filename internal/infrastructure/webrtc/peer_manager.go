package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries WebRTC transport settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Manager owns one peer connection per remote participant in a session. All
// mutation of that state funnels through its operations; event handlers never
// touch the session map directly.
type Manager struct {
	config  Config
	self    domain.UserID
	channel ports.SignalingChannel
	source  ports.AudioSource

	sessions map[domain.UserID]*peerSession
	mu       sync.Mutex

	warnOnce sync.Once
	onWarn   func(msg string)

	api    *webrtc.API
	logger *zap.SugaredLogger
}

// peerSession pairs one remote user with their connection and the combined
// inbound stream. Invariant: at most one connection per remote user, at most
// one outbound audio sender per connection.
type peerSession struct {
	remote domain.UserID
	pc     *webrtc.PeerConnection

	// mu serializes the sender add/replace/remove sequence and offer
	// creation so two senders are never briefly both active.
	mu sync.Mutex

	lastTrackID string
	combined    *webrtc.TrackLocalStaticRTP
	inbound     map[string]struct{}
}

var _ ports.PeerManager = (*Manager)(nil)

func NewManager(
	config Config,
	self domain.UserID,
	channel ports.SignalingChannel,
	source ports.AudioSource,
	logger *zap.SugaredLogger,
) *Manager {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max)
	}

	return &Manager{
		config:   config,
		self:     self,
		channel:  channel,
		source:   source,
		sessions: make(map[domain.UserID]*peerSession),
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger:   logger,
	}
}

// OnWarning installs the one-shot user-facing warning for negotiation
// failures. Failures are otherwise log-level only.
func (m *Manager) OnWarning(fn func(msg string)) {
	m.onWarn = fn
}

// CreateConnection establishes a connection for the remote user. An existing
// connection makes this a no-op, which resolves the duplicate offer race
// where both sides initiate toward a newly seen peer.
func (m *Manager) CreateConnection(ctx context.Context, remote domain.UserID, initiator bool) error {
	m.mu.Lock()
	if _, exists := m.sessions[remote]; exists {
		m.mu.Unlock()
		return nil
	}

	sess, err := m.newSession(remote)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create peer connection for %s: %w", remote, err)
	}
	m.sessions[remote] = sess
	m.mu.Unlock()

	m.logger.Infow("peer connection created",
		"remote", remote,
		"initiator", initiator,
	)

	// Adding media triggers pion's negotiation-needed signal, which sends
	// the first offer when this side is stable.
	if master := m.source.MasterTrack(); master != nil {
		m.attachMaster(sess, master)
	} else if initiator {
		sess.mu.Lock()
		_, err = sess.pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		)
		sess.mu.Unlock()
		if err != nil {
			m.logger.Warnw("failed to add recvonly transceiver",
				"remote", remote,
				"error", err,
			)
		}
	}

	return nil
}

func (m *Manager) newSession(remote domain.UserID) (*peerSession, error) {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   m.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, err
	}

	sess := &peerSession{
		remote:  remote,
		pc:      pc,
		inbound: make(map[string]struct{}),
	}

	pc.OnTrack(m.handleInboundTrack(sess))
	pc.OnICECandidate(m.handleLocalCandidate(remote))
	pc.OnICEConnectionStateChange(m.handleICEState(remote))
	pc.OnNegotiationNeeded(func() {
		// Renegotiation is just another message-producing operation. Only
		// fire from a stable state so an in-flight exchange is not glared.
		if pc.SignalingState() == webrtc.SignalingStateStable {
			go m.negotiate(sess)
		}
	})

	return sess, nil
}

// negotiate creates an offer and publishes it to the session's remote user.
func (m *Manager) negotiate(s *peerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		m.negotiationFailed(s.remote, "create offer", err)
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		m.negotiationFailed(s.remote, "set local offer", err)
		return
	}

	env, err := domain.NewEnvelope(domain.EventOffer, m.self, s.remote, domain.OfferPayload{
		SDPType: offer.Type.String(),
		SDP:     offer.SDP,
	})
	if err != nil {
		m.negotiationFailed(s.remote, "marshal offer", err)
		return
	}
	if err := m.channel.Publish(context.Background(), env); err != nil {
		m.negotiationFailed(s.remote, "publish offer", err)
	}
}

// HandleOffer finds or lazily creates the connection for the sender, applies
// the remote offer, and answers it.
func (m *Manager) HandleOffer(ctx context.Context, from domain.UserID, offer domain.OfferPayload) error {
	m.mu.Lock()
	sess, exists := m.sessions[from]
	m.mu.Unlock()

	if !exists {
		if err := m.CreateConnection(ctx, from, false); err != nil {
			return err
		}
		m.mu.Lock()
		sess = m.sessions[from]
		m.mu.Unlock()
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(offer.SDPType), SDP: offer.SDP}
	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		m.negotiationFailed(from, "set remote offer", err)
		return nil
	}

	answer, err := sess.pc.CreateAnswer(nil)
	if err != nil {
		m.negotiationFailed(from, "create answer", err)
		return nil
	}
	if err := sess.pc.SetLocalDescription(answer); err != nil {
		m.negotiationFailed(from, "set local answer", err)
		return nil
	}

	env, err := domain.NewEnvelope(domain.EventAnswer, m.self, from, domain.AnswerPayload{
		SDPType: answer.Type.String(),
		SDP:     answer.SDP,
	})
	if err != nil {
		return err
	}
	return m.channel.Publish(ctx, env)
}

// HandleAnswer applies a remote answer. A missing connection is a late or
// duplicate message, dropped silently rather than treated as an error.
func (m *Manager) HandleAnswer(from domain.UserID, answer domain.AnswerPayload) error {
	m.mu.Lock()
	sess, exists := m.sessions[from]
	m.mu.Unlock()
	if !exists {
		m.logger.Debugw("answer for unknown connection dropped", "from", from)
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(answer.SDPType), SDP: answer.SDP}
	if err := sess.pc.SetRemoteDescription(desc); err != nil {
		// Stale or duplicate answer; the next negotiation cycle recovers.
		m.logger.Warnw("failed to apply remote answer",
			"from", from,
			"error", err,
		)
	}
	return nil
}

// HandleICECandidate applies a trickled candidate with the same
// ignore-if-missing rule as HandleAnswer.
func (m *Manager) HandleICECandidate(from domain.UserID, cand domain.ICECandidatePayload) error {
	m.mu.Lock()
	sess, exists := m.sessions[from]
	m.mu.Unlock()
	if !exists {
		m.logger.Debugw("candidate for unknown connection dropped", "from", from)
		return nil
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(cand.Candidate, &init); err != nil {
		m.logger.Warnw("malformed ICE candidate dropped",
			"from", from,
			"error", err,
		)
		return nil
	}

	if err := sess.pc.AddICECandidate(init); err != nil {
		m.logger.Warnw("failed to add ICE candidate",
			"from", from,
			"error", err,
		)
	}
	return nil
}

// EnsureMasterAudioAttached reconciles every connection's sender list against
// the current master track: stale audio senders are removed, then the track
// is replaced in place or added fresh. Repeated calls with the same track are
// no-ops.
func (m *Manager) EnsureMasterAudioAttached(ctx context.Context) {
	master := m.source.MasterTrack()
	if master == nil {
		return
	}

	m.mu.Lock()
	sessions := make([]*peerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.attachMaster(s, master)
	}
}

func (m *Manager) attachMaster(s *peerSession, master webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastTrackID == master.ID() {
		return
	}

	// Collect audio senders, keep exactly one (preferring one already on
	// the master track) and drop the rest. Two simultaneous audio senders
	// cause doubled playback on the remote end.
	var audioSenders []*webrtc.RTPSender
	for _, sender := range s.pc.GetSenders() {
		track := sender.Track()
		if track != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			audioSenders = append(audioSenders, sender)
		}
	}

	var audioSender *webrtc.RTPSender
	for _, sender := range audioSenders {
		if sender.Track().ID() == master.ID() {
			audioSender = sender
			break
		}
	}
	if audioSender == nil && len(audioSenders) > 0 {
		audioSender = audioSenders[0]
	}
	for _, sender := range audioSenders {
		if sender == audioSender {
			continue
		}
		if err := s.pc.RemoveTrack(sender); err != nil {
			m.logger.Warnw("failed to remove stale audio sender",
				"remote", s.remote,
				"error", err,
			)
		}
	}

	if audioSender != nil {
		if err := audioSender.ReplaceTrack(master); err != nil {
			m.logger.Warnw("failed to replace outbound track",
				"remote", s.remote,
				"error", err,
			)
			return
		}
	} else {
		if _, err := s.pc.AddTrack(master); err != nil {
			m.logger.Warnw("failed to add outbound track",
				"remote", s.remote,
				"error", err,
			)
			return
		}
	}

	s.lastTrackID = master.ID()
}

// handleInboundTrack merges every inbound track for a remote user into one
// combined playable stream, deduplicated by track identity. A remote user may
// send audio in more than one negotiation round.
func (m *Manager) handleInboundTrack(s *peerSession) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.mu.Lock()
		if _, seen := s.inbound[track.ID()]; seen {
			s.mu.Unlock()
			m.logger.Debugw("duplicate inbound track ignored",
				"remote", s.remote,
				"track_id", track.ID(),
			)
			return
		}
		s.inbound[track.ID()] = struct{}{}

		if s.combined == nil {
			combined, err := webrtc.NewTrackLocalStaticRTP(
				track.Codec().RTPCodecCapability,
				fmt.Sprintf("combined-%s", s.remote),
				fmt.Sprintf("cookmode-%s", s.remote),
			)
			if err != nil {
				s.mu.Unlock()
				m.logger.Errorw("failed to create combined stream",
					"remote", s.remote,
					"error", err,
				)
				return
			}
			s.combined = combined
		}
		combined := s.combined
		s.mu.Unlock()

		m.logger.Infow("inbound track merged",
			"remote", s.remote,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		go m.forwardInbound(s, track, combined)
		go m.processRTCP(s.remote, receiver)
	}
}

// forwardInbound copies RTP from one remote track into the combined stream.
func (m *Manager) forwardInbound(s *peerSession, track *webrtc.TrackRemote, combined *webrtc.TrackLocalStaticRTP) {
	buf := make([]byte, 1500) // MTU size
	pkt := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			m.logger.Debugw("inbound track closed",
				"remote", s.remote,
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Warnw("error unmarshaling RTP packet",
				"remote", s.remote,
				"error", err,
			)
			continue
		}

		if err := combined.WriteRTP(pkt); err != nil {
			m.logger.Warnw("error writing RTP to combined stream",
				"remote", s.remote,
				"error", err,
			)
		}
	}
}

// processRTCP drains receiver reports for log-level quality visibility.
func (m *Manager) processRTCP(remote domain.UserID, receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					m.logger.Debugw("receiver report",
						"remote", remote,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.TransportLayerNack:
				m.logger.Debugw("received NACK",
					"remote", remote,
					"nacks", len(p.Nacks),
				)
			}
		}
	}
}

func (m *Manager) handleLocalCandidate(remote domain.UserID) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}

		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			m.logger.Warnw("failed to marshal local candidate",
				"remote", remote,
				"error", err,
			)
			return
		}

		env, err := domain.NewEnvelope(domain.EventICECandidate, m.self, remote, domain.ICECandidatePayload{
			Candidate: raw,
		})
		if err != nil {
			return
		}
		if err := m.channel.Publish(context.Background(), env); err != nil {
			m.logger.Warnw("failed to publish candidate",
				"remote", remote,
				"error", err,
			)
		}
	}
}

func (m *Manager) handleICEState(remote domain.UserID) func(webrtc.ICEConnectionState) {
	return func(state webrtc.ICEConnectionState) {
		m.logger.Infow("peer ICE connection state changed",
			"remote", remote,
			"ice_state", state,
		)

		if state == webrtc.ICEConnectionStateFailed {
			// The peer stays without media until the next join/leave
			// cycle retries; the roster is not torn down.
			m.negotiationFailed(remote, "ice", fmt.Errorf("ice connection failed"))
		}
	}
}

func (m *Manager) negotiationFailed(remote domain.UserID, stage string, err error) {
	m.logger.Warnw("negotiation failure",
		"remote", remote,
		"stage", stage,
		"error", err,
	)
	if m.onWarn != nil {
		m.warnOnce.Do(func() {
			m.onWarn("failed to establish live audio with a collaborator")
		})
	}
}

// CombinedStream returns the merged inbound stream for a remote user, if any.
func (m *Manager) CombinedStream(remote domain.UserID) *webrtc.TrackLocalStaticRTP {
	m.mu.Lock()
	sess, exists := m.sessions[remote]
	m.mu.Unlock()
	if !exists {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.combined
}

func (m *Manager) Has(remote domain.UserID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[remote]
	return exists
}

func (m *Manager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down the connection for a remote user and discards its cached
// combined stream.
func (m *Manager) Close(remote domain.UserID) {
	m.mu.Lock()
	sess, exists := m.sessions[remote]
	delete(m.sessions, remote)
	m.mu.Unlock()
	if !exists {
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.pc.Close(); err != nil {
		m.logger.Warnw("error closing peer connection",
			"remote", remote,
			"error", err,
		)
	}
	sess.combined = nil
	m.logger.Infow("peer connection closed", "remote", remote)
}

// CloseAll tears down every connection, used when the session ends.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	remotes := make([]domain.UserID, 0, len(m.sessions))
	for remote := range m.sessions {
		remotes = append(remotes, remote)
	}
	m.mu.Unlock()

	for _, remote := range remotes {
		m.Close(remote)
	}
}
