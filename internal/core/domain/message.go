package domain

import "encoding/json"

// EventType identifies a session channel message.
type EventType string

const (
	EventOffer        EventType = "webrtc-offer"
	EventAnswer       EventType = "webrtc-answer"
	EventICECandidate EventType = "webrtc-ice-candidate"
	EventSyncRequest  EventType = "sync-request"
	EventSyncResponse EventType = "sync-response"
	EventRadioStart   EventType = "radio-start"
	EventRadioChunk   EventType = "radio-chunk"
	EventRadioStop    EventType = "radio-stop"
)

// Envelope wraps every message on the session channel. Addressing is by
// convention: a non-empty To is filtered at the application layer, the
// transport itself always broadcasts.
type Envelope struct {
	Event   EventType       `json:"event"`
	From    UserID          `json:"from,omitempty"`
	To      UserID          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AddressedTo reports whether the envelope should be handled by the given
// user. Empty To means broadcast.
func (e *Envelope) AddressedTo(self UserID) bool {
	return e.To == "" || e.To == self
}

// OfferPayload carries a session description proposing or renegotiating a
// peer connection.
type OfferPayload struct {
	SDPType string `json:"sdp_type"`
	SDP     string `json:"sdp"`
}

type AnswerPayload struct {
	SDPType string `json:"sdp_type"`
	SDP     string `json:"sdp"`
}

// ICECandidatePayload carries one trickled candidate. The candidate body is
// kept opaque here; the peer manager owns its concrete shape.
type ICECandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

// SyncRequestPayload asks the current host for the playback position. Sent
// once by a viewer on join, never retried.
type SyncRequestPayload struct{}

// SyncResponsePayload is the host's advisory answer to a sync request.
type SyncResponsePayload struct {
	CurrentTime  float64 `json:"current_time"`
	LoopDuration float64 `json:"loop_duration"`
	IsPlaying    bool    `json:"is_playing"`
}

// RadioStartPayload announces a relay broadcast activation. Emitted exactly
// once per activation, before the first chunk.
type RadioStartPayload struct {
	SampleRate int `json:"sample_rate"`
}

// RadioChunkPayload is one encoded audio frame on the relay path. Sequence
// is assigned by the single host encoder, starting at 1 per activation.
type RadioChunkPayload struct {
	Sequence   uint64 `json:"sequence"`
	Audio      string `json:"audio"` // base64 PCM16 little-endian
	SampleRate int    `json:"sample_rate"`
	Timestamp  int64  `json:"timestamp"`
}

type RadioStopPayload struct{}

// NewEnvelope marshals payload into an envelope for the given event.
func NewEnvelope(event EventType, from, to UserID, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, From: from, To: to, Payload: raw}, nil
}
