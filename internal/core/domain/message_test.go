package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeAddressing(t *testing.T) {
	broadcast := &Envelope{Event: EventSyncRequest}
	assert.True(t, broadcast.AddressedTo("anyone"))

	direct := &Envelope{Event: EventSyncResponse, To: "viewer"}
	assert.True(t, direct.AddressedTo("viewer"))
	assert.False(t, direct.AddressedTo("host"))
}

func TestNewEnvelopeCarriesPayload(t *testing.T) {
	env, err := NewEnvelope(EventRadioChunk, "host", "", RadioChunkPayload{Sequence: 3, Audio: "AAAA", SampleRate: 48000})
	require.NoError(t, err)
	assert.Equal(t, EventRadioChunk, env.Event)
	assert.Equal(t, UserID("host"), env.From)

	var p RadioChunkPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, uint64(3), p.Sequence)
	assert.Equal(t, 48000, p.SampleRate)
}

func TestBroadcastStateSequence(t *testing.T) {
	var s BroadcastState
	assert.Equal(t, uint64(1), s.NextSequence())
	assert.Equal(t, uint64(2), s.NextSequence())

	s.Announced = true
	s.Reset()
	assert.False(t, s.Announced)
	assert.Equal(t, uint64(1), s.NextSequence())
}
