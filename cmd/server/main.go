package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"watchsync/internal/core/ports"
	"watchsync/internal/core/services"
	handlers "watchsync/internal/handlers/http"
	"watchsync/internal/infrastructure/distributed"
	"watchsync/internal/infrastructure/gateway"
	"watchsync/internal/infrastructure/metadata"
	"watchsync/internal/infrastructure/middleware"
	"watchsync/internal/infrastructure/monitoring"
	"watchsync/internal/infrastructure/repositories"
	"watchsync/internal/infrastructure/repositories/memory"
	"watchsync/pkg/config"
	"watchsync/pkg/logger"
	"watchsync/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := os.Getenv("WATCHSYNC_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zlog.Sync()
	sugar := zlog.Sugar()

	nodeID := os.Getenv("WATCHSYNC_NODE_ID")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	sugar.Infow("starting watchsync", "node", nodeID, "address", cfg.Server.Address)

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: "watchsync",
			JaegerURL:   cfg.Tracing.JaegerEndpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			sugar.Warnw("tracing disabled", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
		}
	}

	factory, err := repositories.NewRepositoryFactory(cfg, sugar)
	if err != nil {
		sugar.Fatalw("failed to initialize repositories", "error", err)
	}
	defer factory.Close()

	collector := monitoring.NewPrometheusCollector()
	resolver := metadata.NewResolver(sugar)
	defer resolver.Close()
	users := memory.NewMemoryUserDirectory()

	roomManager := services.NewRoomManager(
		services.ManagerConfig{
			NodeID:        nodeID,
			IdleTimeout:   cfg.Rooms.IdleTimeout,
			SweepInterval: cfg.Rooms.SweepInterval,
			SaveInterval:  cfg.Rooms.SaveInterval,
			Room: services.RoomConfig{
				UndoWindow:     cfg.Rooms.UndoWindow,
				UndoDepth:      cfg.Rooms.UndoDepth,
				MaxQueueLength: cfg.Rooms.MaxQueueLength,
				RequestBacklog: cfg.Rooms.RequestBacklog,
			},
		},
		factory.CreateRoomRepository(),
		factory.CreateRoomDirectory(),
		services.RoomDeps{
			Resolver: resolver,
			Users:    users,
			Metrics:  collector,
			Logger:   sugar,
		},
	)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, users)

	var bus *distributed.RedisMessageBus
	if client := factory.RedisClient(); client != nil {
		bus = distributed.NewRedisMessageBus(client, nodeID, sugar)
	}

	clientManager := services.NewClientManager(
		roomManager, busOrNil(bus), authService, collector, sugar, cfg.Rooms.ForwardTimeout,
	)

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if bus != nil {
		go func() {
			if err := clientManager.Serve(busCtx); err != nil && busCtx.Err() == nil {
				sugar.Errorw("message bus stopped", "error", err)
			}
		}()
	}

	wsServer := gateway.NewWebSocketServer(clientManager, gateway.Config{
		PingInterval:      cfg.Gateway.PingInterval,
		PongTimeout:       cfg.Gateway.PongTimeout,
		WriteTimeout:      cfg.Gateway.WriteTimeout,
		AllowedOrigins:    cfg.Auth.AllowedOrigins,
		MessagesPerSecond: cfg.RateLimiting.WebSocket.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:    cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, sugar)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(sugar),
		middleware.ErrorHandlerMiddleware(sugar),
		middleware.TracingMiddleware(),
		middleware.NewHTTPRateLimitMiddleware(cfg),
		middleware.OptionalAuthMiddleware(authService),
	)

	handlers.NewRoomHandler(roomManager, middleware.NewRoomCreationRateLimitMiddleware(cfg)).SetupRoutes(router)
	handlers.NewAuthHandler(authService, users, cfg.Auth.AccessTokenTTL).SetupRoutes(router)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		if err := factory.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeID})
	})

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			sugar.Infow("metrics listening", "address", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				sugar.Errorw("metrics server stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugar.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	wsServer.Shutdown()
	roomManager.Shutdown(ctx)
	busCancel()
	if bus != nil {
		bus.Close()
	}
	if err := server.Shutdown(ctx); err != nil {
		sugar.Errorw("http shutdown failed", "error", err)
	}
	sugar.Info("stopped")
}

// busOrNil keeps a nil concrete bus from becoming a non-nil interface.
func busOrNil(bus *distributed.RedisMessageBus) ports.MessageBus {
	if bus == nil {
		return nil
	}
	return bus
}
