package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalFrame(t *testing.T, f frame) *redis.Message {
	t.Helper()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	return &redis.Message{Payload: string(data)}
}

// Redis pub/sub echoes every published frame back to the publisher; the
// delivery loop must drop those echoes instead of re-dispatching them.
func TestRedisDeliverSkipsOwnFrames(t *testing.T) {
	c := NewRedisChannel(nil, "sess-1", logger.Nop())

	var events []domain.EventType
	c.OnMessage(func(env *domain.Envelope) {
		events = append(events, env.Event)
	})
	var joins []domain.UserID
	c.OnJoin(func(p domain.Participant) {
		joins = append(joins, p.UserID)
	})

	own, err := domain.NewEnvelope(domain.EventRadioStop, "me", "", nil)
	require.NoError(t, err)
	foreign, err := domain.NewEnvelope(domain.EventSyncRequest, "remote", "", nil)
	require.NoError(t, err)

	ch := make(chan *redis.Message, 4)
	ch <- marshalFrame(t, frame{Kind: frameMessage, Origin: c.instanceID, Envelope: own})
	ch <- marshalFrame(t, frame{Kind: frameMessage, Origin: "other-instance", Envelope: foreign})
	ch <- marshalFrame(t, frame{Kind: frameJoin, Origin: c.instanceID, Participant: &domain.Participant{UserID: "me"}})
	ch <- marshalFrame(t, frame{Kind: frameJoin, Origin: "other-instance", Participant: &domain.Participant{UserID: "remote"}})
	close(ch)

	c.deliver(context.Background(), ch)

	assert.Equal(t, []domain.EventType{domain.EventSyncRequest}, events)
	assert.Equal(t, []domain.UserID{"remote"}, joins)
}

func TestRedisDeliverDropsMalformedFrames(t *testing.T) {
	c := NewRedisChannel(nil, "sess-1", logger.Nop())

	dispatched := 0
	c.OnMessage(func(env *domain.Envelope) { dispatched++ })

	env, err := domain.NewEnvelope(domain.EventSyncRequest, "remote", "", nil)
	require.NoError(t, err)

	ch := make(chan *redis.Message, 2)
	ch <- &redis.Message{Payload: "{not json"}
	ch <- marshalFrame(t, frame{Kind: frameMessage, Origin: "other-instance", Envelope: env})
	close(ch)

	c.deliver(context.Background(), ch)

	assert.Equal(t, 1, dispatched)
}
