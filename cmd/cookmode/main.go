package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/domain"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/ports"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/core/services"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/infrastructure/audio"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/infrastructure/gateway"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/infrastructure/monitoring"
	"github.com/iamtruwealth/beat-key-sync-sub002/internal/infrastructure/signaling"
	cookwebrtc "github.com/iamtruwealth/beat-key-sync-sub002/internal/infrastructure/webrtc"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/config"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/logger"
	"github.com/iamtruwealth/beat-key-sync-sub002/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config file")
		sessionID  = flag.String("session", "", "session to join (defaults to a fresh id)")
		userID     = flag.String("user", "", "participant user id (defaults to a fresh id)")
		username   = flag.String("username", "host", "participant display name")
		role       = flag.String("role", "host", "participant role: host or viewer")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		zlog.Fatalw("failed to init tracing", "error", err)
	}
	defer tp.Shutdown(context.Background())

	session := domain.SessionID(*sessionID)
	if session == "" {
		session = domain.SessionID(uuid.New().String())
	}
	self := domain.Participant{
		UserID:   domain.UserID(*userID),
		Username: *username,
		Role:     domain.Role(*role),
	}
	if self.UserID == "" {
		self.UserID = domain.UserID(uuid.New().String())
	}
	if self.Role != domain.RoleHost && self.Role != domain.RoleViewer {
		zlog.Fatalw("invalid role", "role", *role)
	}

	// Channel factory: Redis when configured, in-process hub otherwise.
	var channels gateway.ChannelFactory
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			zlog.Fatalw("failed to connect to redis", "error", err)
		}
		channels = func(id domain.SessionID) ports.SignalingChannel {
			return signaling.NewRedisChannel(client, id, zlog)
		}
	} else {
		hub := signaling.NewMemoryHub()
		channels = func(id domain.SessionID) ports.SignalingChannel {
			return signaling.NewMemoryChannel(hub, id, zlog)
		}
	}

	engine := audio.NewEngine(cfg.Relay.SampleRate, zlog)
	if err := engine.Initialize(); err != nil {
		zlog.Fatalw("failed to initialize audio engine", "error", err)
	}

	var rtcConfig cookwebrtc.Config
	for _, ice := range cfg.WebRTC.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       ice.URLs,
			Username:   ice.Username,
			Credential: ice.Credential,
		})
	}
	rtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	rtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	channel := channels(session)
	peers := cookwebrtc.NewManager(rtcConfig, self.UserID, channel, engine, zlog)
	peers.OnWarning(func(msg string) {
		zlog.Warnw("user-facing warning", "message", msg)
	})

	metrics := services.MultiMetrics{
		services.NewMetricsService(),
		monitoring.NewPrometheusCollector(),
	}

	sess := services.NewSession(
		session,
		self,
		channel,
		peers,
		engine,
		audio.NewPlaybackQueue(nil, nil),
		metrics,
		services.SessionConfig{
			PresenceRefreshInterval: cfg.Session.PresenceRefreshInterval,
			SyncRequestOnJoin:       cfg.Session.SyncRequestOnJoin,
			RelayFrameSize:          cfg.Relay.FrameSize,
		},
		zlog,
	)

	ctx := context.Background()
	if err := sess.Join(ctx); err != nil {
		zlog.Fatalw("failed to join session", "session_id", session, "error", err)
	}

	if self.Role == domain.RoleHost {
		if err := sess.StartBroadcast(ctx, true, true); err != nil {
			zlog.Warnw("broadcast start incomplete", "error", err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	ws := gateway.NewServer(gateway.Config{
		JWTSecret:         cfg.Auth.JWTSecret,
		PingInterval:      cfg.Gateway.PingInterval,
		PongTimeout:       cfg.Gateway.PongTimeout,
		RateLimitEnabled:  cfg.Gateway.RateLimiting.Enabled,
		MessagesPerSecond: cfg.Gateway.RateLimiting.MessagesPerSecond,
		Burst:             cfg.Gateway.RateLimiting.Burst,
	}, channels, zlog)
	ws.Routes(router)

	srv := &http.Server{
		Addr:    cfg.Gateway.Address,
		Handler: router,
	}

	go func() {
		zlog.Infow("gateway listening", "address", cfg.Gateway.Address, "session_id", session)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatalw("gateway server failed", "error", err)
		}
	}()

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			zlog.Infow("metrics listening", "address", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				zlog.Warnw("metrics server failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
	defer cancel()

	if err := sess.Leave(shutdownCtx); err != nil {
		zlog.Warnw("session leave failed", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warnw("gateway shutdown failed", "error", err)
	}
}
