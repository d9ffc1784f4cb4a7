package signaling

import (
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"go.uber.org/zap"
)

// handlerSet holds the registered callbacks for one channel instance and
// guarantees that no handler failure escapes the delivery loop. An uncaught
// panic there would silently detach the whole session from future messages.
type handlerSet struct {
	message []ports.MessageHandler
	join    []ports.JoinHandler
	leave   []ports.LeaveHandler
	logger  *zap.SugaredLogger
}

func (h *handlerSet) dispatchMessage(env *domain.Envelope) {
	for _, fn := range h.message {
		h.safely(func() { fn(env) }, "message", string(env.Event))
	}
}

func (h *handlerSet) dispatchJoin(p domain.Participant) {
	for _, fn := range h.join {
		h.safely(func() { fn(p) }, "join", string(p.UserID))
	}
}

func (h *handlerSet) dispatchLeave(userID domain.UserID) {
	for _, fn := range h.leave {
		h.safely(func() { fn(userID) }, "leave", string(userID))
	}
}

func (h *handlerSet) safely(fn func(), kind, detail string) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("handler panicked",
				"kind", kind,
				"detail", detail,
				"panic", r,
			)
		}
	}()
	fn()
}
