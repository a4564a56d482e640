package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scamreportnamibia/popyamobile-sub002/internal/core/ports"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/middleware"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/monitoring"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/presence"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/registry"
	"github.com/scamreportnamibia/popyamobile-sub002/internal/infrastructure/relay"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/config"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/logger"
	"github.com/scamreportnamibia/popyamobile-sub002/pkg/tracing"
)

func main() {
	configPath := os.Getenv("POPYA_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()
	slog := zlog.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		slog.Fatalw("failed to initialize tracing", "error", err)
	}

	var presenceStore ports.PresenceStore
	var redisStore *presence.RedisStore
	if cfg.Redis.Enabled {
		redisStore, err = presence.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, slog)
		if err != nil {
			slog.Fatalw("failed to connect to Redis", "error", err)
		}
		presenceStore = redisStore
	}

	reg := registry.New()
	metrics := monitoring.NewCollector()

	relayOpts := relay.Options{
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
	}
	if cfg.RateLimiting.Enabled {
		relayOpts.MessagesPerSecond = cfg.RateLimiting.MessagesPerSecond
		relayOpts.Burst = cfg.RateLimiting.Burst
		relayOpts.MaxMessageSize = cfg.RateLimiting.MaxMessageSizeBytes
	}
	server := relay.NewServer(reg, presenceStore, metrics, relayOpts, slog)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if cfg.RateLimiting.Enabled {
		router.Use(middleware.NewRateLimitMiddleware(cfg.RateLimiting.MessagesPerSecond, cfg.RateLimiting.Burst))
	}

	ws := router.Group("/ws")
	if cfg.Auth.Enabled {
		ws.Use(middleware.PeerAuthMiddleware(cfg.Auth.JWTSecret))
	}
	ws.GET("", gin.WrapF(server.HandleWebSocket))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"registered_peers": reg.Len(),
		})
	})

	router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": reg.Peers()})
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	httpServer := &http.Server{
		Addr:         cfg.Signal.Address,
		Handler:      router,
		ReadTimeout:  0, // WebSocket connections stay open
		WriteTimeout: 0,
	}

	go func() {
		slog.Infow("signaling server listening", "address", cfg.Signal.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Fatalw("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Infow("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Warnw("relay shutdown incomplete", "error", err)
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warnw("http shutdown incomplete", "error", err)
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Warnw("redis close failed", "error", err)
		}
	}
	if err := tp.Shutdown(ctx); err != nil {
		slog.Warnw("tracing shutdown incomplete", "error", err)
	}

	shutdownGrace := 100 * time.Millisecond
	time.Sleep(shutdownGrace)
	slog.Infow("stopped")
}
