package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronizerHostAnswersRequest(t *testing.T) {
	channel := newFakeChannel()
	source := newFakeSource()
	source.position = 12.5
	source.loop = 32
	source.playing = true
	metrics := NewMetricsService()

	sync := NewSynchronizer("sess-1", "host", channel, source, func() bool { return true }, metrics, logger.Nop())
	sync.HandleRequest(context.Background(), "viewer")

	responses := channel.byEvent(domain.EventSyncResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, domain.UserID("viewer"), responses[0].To)

	var p domain.SyncResponsePayload
	require.NoError(t, json.Unmarshal(responses[0].Payload, &p))
	assert.Equal(t, 12.5, p.CurrentTime)
	assert.Equal(t, float64(32), p.LoopDuration)
	assert.True(t, p.IsPlaying)

	assert.Equal(t, uint64(1), metrics.SyncResponses("sess-1"))
}

func TestSynchronizerIgnoresRequestsWhileNotHosting(t *testing.T) {
	channel := newFakeChannel()
	sync := NewSynchronizer("sess-1", "me", channel, newFakeSource(), func() bool { return false }, NewMetricsService(), logger.Nop())

	sync.HandleRequest(context.Background(), "viewer")

	assert.Equal(t, 0, channel.publishedCount())
}

func TestSynchronizerIgnoresOwnRequest(t *testing.T) {
	channel := newFakeChannel()
	sync := NewSynchronizer("sess-1", "host", channel, newFakeSource(), func() bool { return true }, NewMetricsService(), logger.Nop())

	sync.HandleRequest(context.Background(), "host")

	assert.Equal(t, 0, channel.publishedCount())
}

func TestSynchronizerRequestSync(t *testing.T) {
	channel := newFakeChannel()
	sync := NewSynchronizer("sess-1", "viewer", channel, newFakeSource(), func() bool { return false }, NewMetricsService(), logger.Nop())

	require.NoError(t, sync.RequestSync(context.Background()))

	requests := channel.byEvent(domain.EventSyncRequest)
	require.Len(t, requests, 1)
	assert.Equal(t, domain.UserID("viewer"), requests[0].From)
	assert.Empty(t, requests[0].To)
}

func TestSynchronizerRecordsResponse(t *testing.T) {
	sync := NewSynchronizer("sess-1", "viewer", newFakeChannel(), newFakeSource(), func() bool { return false }, NewMetricsService(), logger.Nop())

	_, ok := sync.LastSync()
	require.False(t, ok)

	sync.HandleResponse(domain.SyncResponsePayload{CurrentTime: 3.25, IsPlaying: true})

	got, ok := sync.LastSync()
	require.True(t, ok)
	assert.Equal(t, 3.25, got.CurrentTime)
	assert.True(t, got.IsPlaying)
}
