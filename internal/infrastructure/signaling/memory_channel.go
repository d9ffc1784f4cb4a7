package signaling

import (
	"context"
	"sync"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// MemoryHub fans session traffic out to in-process channel instances. It is
// the single-process counterpart of the Redis transport, and what the test
// suite runs against.
type MemoryHub struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*memorySession
}

type memorySession struct {
	subscribers map[*MemoryChannel]struct{}
	presence    map[domain.UserID]domain.Participant
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		sessions: make(map[domain.SessionID]*memorySession),
	}
}

func (h *MemoryHub) session(id domain.SessionID) *memorySession {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		s = &memorySession{
			subscribers: make(map[*MemoryChannel]struct{}),
			presence:    make(map[domain.UserID]domain.Participant),
		}
		h.sessions[id] = s
	}
	return s
}

// MemoryChannel implements ports.SignalingChannel against a MemoryHub.
type MemoryChannel struct {
	hub       *MemoryHub
	sessionID domain.SessionID

	mu         sync.RWMutex
	subscribed bool
	handlers   handlerSet
}

var _ ports.SignalingChannel = (*MemoryChannel)(nil)

func NewMemoryChannel(hub *MemoryHub, sessionID domain.SessionID, logger *zap.SugaredLogger) *MemoryChannel {
	return &MemoryChannel{
		hub:       hub,
		sessionID: sessionID,
		handlers:  handlerSet{logger: logger},
	}
}

func (c *MemoryChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		return nil
	}
	s := c.hub.session(c.sessionID)
	c.hub.mu.Lock()
	s.subscribers[c] = struct{}{}
	c.hub.mu.Unlock()
	c.subscribed = true
	return nil
}

func (c *MemoryChannel) Publish(ctx context.Context, env *domain.Envelope) error {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()
	if !subscribed {
		return domain.ErrChannelUnavailable
	}

	for _, sub := range c.peers() {
		sub.handlers.dispatchMessage(env)
	}
	return nil
}

func (c *MemoryChannel) Track(ctx context.Context, p domain.Participant) error {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()
	if !subscribed {
		return domain.ErrChannelUnavailable
	}

	s := c.hub.session(c.sessionID)
	c.hub.mu.Lock()
	s.presence[p.UserID] = p
	c.hub.mu.Unlock()

	for _, sub := range c.peers() {
		sub.handlers.dispatchJoin(p)
	}
	return nil
}

func (c *MemoryChannel) Untrack(ctx context.Context, userID domain.UserID) error {
	s := c.hub.session(c.sessionID)
	c.hub.mu.Lock()
	_, present := s.presence[userID]
	delete(s.presence, userID)
	c.hub.mu.Unlock()
	if !present {
		return nil
	}

	for _, sub := range c.peers() {
		sub.handlers.dispatchLeave(userID)
	}
	return nil
}

func (c *MemoryChannel) Snapshot(ctx context.Context) (map[domain.UserID]domain.Participant, error) {
	s := c.hub.session(c.sessionID)
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	out := make(map[domain.UserID]domain.Participant, len(s.presence))
	for id, p := range s.presence {
		out[id] = p
	}
	return out, nil
}

func (c *MemoryChannel) OnMessage(h ports.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.message = append(c.handlers.message, h)
}

func (c *MemoryChannel) OnJoin(h ports.JoinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.join = append(c.handlers.join, h)
}

func (c *MemoryChannel) OnLeave(h ports.LeaveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.leave = append(c.handlers.leave, h)
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.subscribed {
		return nil
	}
	s := c.hub.session(c.sessionID)
	c.hub.mu.Lock()
	delete(s.subscribers, c)
	c.hub.mu.Unlock()
	c.subscribed = false
	return nil
}

// peers returns all current subscribers of this channel's session, sender
// included. Receivers filter on From and To, not the transport.
func (c *MemoryChannel) peers() []*MemoryChannel {
	s := c.hub.session(c.sessionID)
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	out := make([]*MemoryChannel, 0, len(s.subscribers))
	for sub := range s.subscribers {
		out = append(out, sub)
	}
	return out
}
