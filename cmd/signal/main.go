package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshroom/internal/core/services"
	httphandlers "meshroom/internal/handlers/http"
	"meshroom/internal/infrastructure/distributed"
	"meshroom/internal/infrastructure/middleware"
	"meshroom/internal/infrastructure/monitoring"
	"meshroom/internal/infrastructure/reliability"
	"meshroom/internal/infrastructure/repositories"
	signalinfra "meshroom/internal/infrastructure/signal"
	"meshroom/pkg/circuitbreaker"
	"meshroom/pkg/config"
	"meshroom/pkg/logger"
	"meshroom/pkg/retry"
	"meshroom/pkg/tracing"
	"meshroom/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/meshroom/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "meshroom-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = utils.DefaultInstanceID()
	}
	log = log.With("instance_id", instanceID)

	// Room directory and presence feed
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, instanceID, log)
	directory := repoFactory.CreateRoomDirectory(ctx)

	var publisher distributed.Publisher
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewEventBus(client, cfg.Redis.PresenceChannel, instanceID, log)
		publisher = reliability.NewResilientPublisher(bus, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), log)

		// Presence of rooms hosted by other coordinators sharing the channel.
		go func() {
			err := bus.Subscribe(ctx, func(evt *distributed.Event) error {
				log.Debugw("presence event from another instance",
					"instance_id", evt.InstanceID,
					"type", evt.Type,
					"room_id", evt.RoomID,
					"participants", evt.Participants,
				)
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("presence subscription ended", "error", err)
			}
		}()
	}
	feed := distributed.NewPresenceFeed(directory, publisher, 1024, log)
	go feed.Run(ctx)

	collector := monitoring.NewPrometheusCollector(nil)

	// Presence manager, delivering through the signaling connections
	conns := signalinfra.NewConnections(log)
	presence := services.NewPresenceService(conns,
		services.WithLogger(log),
		services.WithObserver(collector),
		services.WithObserver(feed),
		services.WithSystemNotices(cfg.Presence.SystemNotices),
		services.WithMaxChatLength(cfg.Presence.MaxChatLength),
		services.WithMaxParticipants(cfg.Presence.MaxParticipants),
	)
	identity := services.NewIdentityService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	wsOpts := signalinfra.Options{
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		SendBufferSize:   cfg.Signal.SendBufferSize,
		RequireToken:     cfg.Signal.RequireToken,
		AllowedOrigins:   cfg.Auth.AllowedOrigins,
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		MaxMessageSize:   cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		MaxConnections:   cfg.RateLimiting.WebSocket.MaxConcurrent,
	}
	if cfg.RateLimiting.Enabled {
		wsOpts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsOpts.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signalinfra.NewWebSocketServer(conns, presence, wsOpts,
		signalinfra.WithIdentity(identity),
		signalinfra.WithMetrics(collector),
		signalinfra.WithServerLogger(log),
	)

	health := monitoring.NewHealthChecker()
	health.AddDirectoryCheck(directory, 2*time.Second)
	health.AddCheck("repositories", repoFactory.HealthCheck, 2*time.Second)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	requestLog := logger.NewContextLogger(zapLogger)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(requestLog))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.RequestLoggerMiddleware(requestLog))
	router.Use(middleware.ErrorHandlerMiddleware(requestLog))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	roomAuth := middleware.OptionalAuthMiddleware(identity)
	if cfg.Signal.RequireToken {
		roomAuth = middleware.AuthMiddleware(identity)
	}
	httphandlers.NewRoomHandler(directory, presence).SetupRoutes(router, roomAuth)
	if cfg.Auth.DevTokens {
		httphandlers.NewAuthHandler(identity, cfg.Auth.AccessTokenTTL).SetupRoutes(router)
		log.Warn("development token endpoint enabled")
	}

	router.GET("/health", gin.WrapF(wsServer.HealthCheck))

	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting meshroom signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down meshroom signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked WebSocket connections are not tracked by http.Server.
	wsServer.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	feed.Stop()
	cancel()
	if dropped := feed.Dropped(); dropped > 0 {
		log.Warnw("presence feed dropped events", "dropped", dropped)
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("meshroom signaling server stopped")
}
