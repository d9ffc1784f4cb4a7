package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChannelFactory opens one signaling channel instance for a session.
type ChannelFactory func(sessionID domain.SessionID) ports.SignalingChannel

// Config carries the gateway's transport settings.
type Config struct {
	JWTSecret    string
	PingInterval time.Duration
	PongTimeout  time.Duration

	RateLimitEnabled  bool
	MessagesPerSecond float64
	Burst             int
}

// Server bridges remote websocket clients into session channels: inbound
// frames are published, channel traffic and presence events are mirrored
// back out. Each client gets its own channel instance so leaves are scoped
// to that connection.
type Server struct {
	cfg      Config
	channels ChannelFactory
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
}

// wsFrame is the gateway wire shape, both directions.
type wsFrame struct {
	Kind        string                               `json:"kind"` // message|join|leave|snapshot
	Envelope    *domain.Envelope                     `json:"envelope,omitempty"`
	Participant *domain.Participant                  `json:"participant,omitempty"`
	UserID      domain.UserID                        `json:"user_id,omitempty"`
	Snapshot    map[domain.UserID]domain.Participant `json:"snapshot,omitempty"`
}

func NewServer(cfg Config, channels ChannelFactory, logger *zap.SugaredLogger) *Server {
	return &Server{
		cfg:      cfg,
		channels: channels,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts the gateway endpoints on a gin router.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	authed := r.Group("/", AuthMiddleware(s.cfg.JWTSecret))
	authed.GET("/ws/:sessionID", s.handleSession)
	authed.GET("/sessions/:sessionID/listeners", s.handleListeners)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListeners reports how many viewers presence currently shows.
func (s *Server) handleListeners(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("sessionID"))
	channel := s.channels(sessionID)
	defer channel.Close()

	if err := channel.Subscribe(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to join stream"})
		return
	}

	snapshot, err := channel.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to join stream"})
		return
	}

	listeners := 0
	for _, p := range snapshot {
		if p.IsViewer() {
			listeners++
		}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "listeners": listeners})
}

func (s *Server) handleSession(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("sessionID"))
	participant := c.MustGet("participant").(domain.Participant)

	channel := s.channels(sessionID)

	// Subscribe before upgrading: a transport that never reaches the
	// subscribed state must fail the join with no side effects.
	if err := channel.Subscribe(c.Request.Context()); err != nil {
		channel.Close()
		s.logger.Warnw("channel subscribe failed",
			"session_id", sessionID,
			"user_id", participant.UserID,
			"error", err,
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to join stream"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		channel.Close()
		s.logger.Warnw("websocket upgrade failed",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	client := &client{
		server:      s,
		sessionID:   sessionID,
		participant: participant,
		channel:     channel,
		conn:        conn,
		send:        make(chan wsFrame, 64),
	}
	if s.cfg.RateLimitEnabled {
		client.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	channel.OnMessage(func(env *domain.Envelope) {
		client.enqueue(wsFrame{Kind: "message", Envelope: env})
	})
	channel.OnJoin(func(p domain.Participant) {
		client.enqueue(wsFrame{Kind: "join", Participant: &p})
	})
	channel.OnLeave(func(userID domain.UserID) {
		client.enqueue(wsFrame{Kind: "leave", UserID: userID})
	})

	ctx := context.Background()
	if err := channel.Track(ctx, participant); err != nil {
		s.logger.Warnw("presence track failed",
			"session_id", sessionID,
			"user_id", participant.UserID,
			"error", err,
		)
	}
	if snapshot, err := channel.Snapshot(ctx); err == nil {
		client.enqueue(wsFrame{Kind: "snapshot", Snapshot: snapshot})
	}

	s.logger.Infow("client connected",
		"session_id", sessionID,
		"user_id", participant.UserID,
		"role", participant.Role,
	)

	go client.writePump()
	go client.readPump()
}

type client struct {
	server      *Server
	sessionID   domain.SessionID
	participant domain.Participant
	channel     ports.SignalingChannel
	conn        *websocket.Conn
	send        chan wsFrame
	limiter     *rate.Limiter
}

func (cl *client) enqueue(f wsFrame) {
	select {
	case cl.send <- f:
	default:
		cl.server.logger.Warnw("send buffer full, dropping frame",
			"session_id", cl.sessionID,
			"user_id", cl.participant.UserID,
		)
	}
}

func (cl *client) readPump() {
	defer cl.teardown()

	cl.conn.SetReadDeadline(time.Now().Add(cl.server.cfg.PongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(cl.server.cfg.PongTimeout))
		return nil
	})

	for {
		var env domain.Envelope
		if err := cl.conn.ReadJSON(&env); err != nil {
			return
		}

		if cl.limiter != nil && !cl.limiter.Allow() {
			cl.server.logger.Warnw("rate limit exceeded, dropping message",
				"session_id", cl.sessionID,
				"user_id", cl.participant.UserID,
			)
			continue
		}

		// The gateway stamps the sender; clients cannot spoof From.
		env.From = cl.participant.UserID

		if err := cl.channel.Publish(context.Background(), &env); err != nil {
			cl.server.logger.Warnw("publish failed",
				"session_id", cl.sessionID,
				"user_id", cl.participant.UserID,
				"event", env.Event,
				"error", err,
			)
		}
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(cl.server.cfg.PingInterval)
	defer ticker.Stop()
	defer cl.conn.Close()

	for {
		select {
		case frame, ok := <-cl.send:
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown leaves presence and releases the channel once the socket drops.
func (cl *client) teardown() {
	ctx := context.Background()
	if err := cl.channel.Untrack(ctx, cl.participant.UserID); err != nil {
		cl.server.logger.Warnw("presence untrack failed",
			"session_id", cl.sessionID,
			"user_id", cl.participant.UserID,
			"error", err,
		)
	}
	if err := cl.channel.Close(); err != nil {
		cl.server.logger.Warnw("channel close failed",
			"session_id", cl.sessionID,
			"error", err,
		)
	}
	close(cl.send)

	cl.server.logger.Infow("client disconnected",
		"session_id", cl.sessionID,
		"user_id", cl.participant.UserID,
	)
}
