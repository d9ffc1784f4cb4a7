package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// frameKind distinguishes message traffic from presence traffic on the one
// session pub/sub channel.
type frameKind string

const (
	frameMessage frameKind = "message"
	frameJoin    frameKind = "join"
	frameLeave   frameKind = "leave"
)

// frame is the wire shape carried over Redis pub/sub for one session.
type frame struct {
	Kind        frameKind           `json:"kind"`
	Origin      string              `json:"origin"`
	Envelope    *domain.Envelope    `json:"envelope,omitempty"`
	Participant *domain.Participant `json:"participant,omitempty"`
	UserID      domain.UserID       `json:"user_id,omitempty"`
}

// RedisChannel implements ports.SignalingChannel over Redis pub/sub, with
// presence kept in a session-scoped hash. Delivery is at-least-once to
// current subscribers; there is no cross-sender ordering.
type RedisChannel struct {
	client     *redis.Client
	sessionID  domain.SessionID
	instanceID string
	logger     *zap.SugaredLogger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers handlerSet
}

var _ ports.SignalingChannel = (*RedisChannel)(nil)

func NewRedisChannel(client *redis.Client, sessionID domain.SessionID, logger *zap.SugaredLogger) *RedisChannel {
	return &RedisChannel{
		client:     client,
		sessionID:  sessionID,
		instanceID: uuid.New().String(),
		logger:     logger,
		handlers:   handlerSet{logger: logger},
	}
}

func (c *RedisChannel) channelKey() string {
	return fmt.Sprintf("cookmode:session:%s", c.sessionID)
}

func (c *RedisChannel) presenceKey() string {
	return fmt.Sprintf("cookmode:session:%s:presence", c.sessionID)
}

// Subscribe attaches to the session channel. It confirms the subscription
// before returning so a transport failure aborts the caller with no side
// effects performed.
func (c *RedisChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil
	}

	pubsub := c.client.Subscribe(ctx, c.channelKey())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.pubsub = pubsub
	c.cancel = cancel

	go c.deliver(loopCtx, pubsub.Channel())
	return nil
}

func (c *RedisChannel) deliver(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				c.logger.Warnw("failed to unmarshal channel frame",
					"session_id", c.sessionID,
					"error", err,
				)
				continue
			}

			// Redis echoes published frames back to every subscriber,
			// this instance included. Local state already reflects its
			// own publishes, so re-dispatching them would double-handle.
			if f.Origin == c.instanceID {
				continue
			}

			switch f.Kind {
			case frameMessage:
				if f.Envelope != nil {
					c.handlers.dispatchMessage(f.Envelope)
				}
			case frameJoin:
				if f.Participant != nil {
					c.handlers.dispatchJoin(*f.Participant)
				}
			case frameLeave:
				c.handlers.dispatchLeave(f.UserID)
			}
		}
	}
}

func (c *RedisChannel) publishFrame(ctx context.Context, f *frame) error {
	f.Origin = c.instanceID
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelKey(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	return nil
}

func (c *RedisChannel) Publish(ctx context.Context, env *domain.Envelope) error {
	c.mu.Lock()
	subscribed := c.pubsub != nil
	c.mu.Unlock()
	if !subscribed {
		return domain.ErrChannelUnavailable
	}
	return c.publishFrame(ctx, &frame{Kind: frameMessage, Envelope: env})
}

func (c *RedisChannel) Track(ctx context.Context, p domain.Participant) error {
	c.mu.Lock()
	subscribed := c.pubsub != nil
	c.mu.Unlock()
	if !subscribed {
		return domain.ErrChannelUnavailable
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal participant: %w", err)
	}
	if err := c.client.HSet(ctx, c.presenceKey(), string(p.UserID), data).Err(); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}

	return c.publishFrame(ctx, &frame{Kind: frameJoin, Participant: &p})
}

func (c *RedisChannel) Untrack(ctx context.Context, userID domain.UserID) error {
	removed, err := c.client.HDel(ctx, c.presenceKey(), string(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}
	if removed == 0 {
		return nil
	}
	return c.publishFrame(ctx, &frame{Kind: frameLeave, UserID: userID})
}

func (c *RedisChannel) Snapshot(ctx context.Context) (map[domain.UserID]domain.Participant, error) {
	fields, err := c.client.HGetAll(ctx, c.presenceKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence snapshot: %w", err)
	}

	out := make(map[domain.UserID]domain.Participant, len(fields))
	for id, raw := range fields {
		var p domain.Participant
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			c.logger.Warnw("skipping malformed presence record",
				"session_id", c.sessionID,
				"user_id", id,
				"error", err,
			)
			continue
		}
		out[domain.UserID(id)] = p
	}
	return out, nil
}

func (c *RedisChannel) OnMessage(h ports.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.message = append(c.handlers.message, h)
}

func (c *RedisChannel) OnJoin(h ports.JoinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.join = append(c.handlers.join, h)
}

func (c *RedisChannel) OnLeave(h ports.LeaveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.leave = append(c.handlers.leave, h)
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub == nil {
		return nil
	}
	c.cancel()
	err := c.pubsub.Close()
	c.pubsub = nil
	return err
}
