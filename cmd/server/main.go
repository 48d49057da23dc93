// Package main runs the conversation service HTTP server with WebSocket rooms, the
// lifecycle sweeps and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wespeak/conversation/config"
	"github.com/wespeak/conversation/internal/auth"
	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/events"
	"github.com/wespeak/conversation/internal/middleware"
	"github.com/wespeak/conversation/internal/realtime"
	"github.com/wespeak/conversation/internal/registrations"
	"github.com/wespeak/conversation/internal/roomtoken"
	"github.com/wespeak/conversation/internal/sessions"
	"github.com/wespeak/conversation/internal/sqlitestore"
	"github.com/wespeak/conversation/internal/timeslots"
	"github.com/wespeak/conversation/pkg/database"
	"github.com/wespeak/conversation/pkg/queue"
	"github.com/wespeak/conversation/pkg/redis"
	"github.com/wespeak/conversation/pkg/redislock"
	"github.com/wespeak/conversation/pkg/response"
)

// backend groups the persistence ports for the configured driver.
type backend struct {
	slots     conversation.TimeSlotSource
	slotStore timeslots.Store
	gate      conversation.RegistrationGate
	regStore  registrations.Store
	counter   timeslots.RegistrationCounter
	sessions  conversation.Store
	ping      func(context.Context) error
	close     func()
}

func openBackend(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*backend, error) {
	if cfg.Driver == "sqlite" {
		store, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("SQLite store opened", zap.String("path", cfg.SQLitePath))
		return &backend{
			slots: store, slotStore: store, gate: store, regStore: store, counter: store, sessions: store,
			ping:  store.Ping,
			close: func() { _ = store.Close() },
		}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.URL, database.PoolOptions{MaxConns: int32(cfg.MaxConns)}, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	slotRepo := timeslots.NewRepository(pool)
	regRepo := registrations.NewRepository(pool)
	return &backend{
		slots: slotRepo, slotStore: slotRepo, gate: regRepo, regStore: regRepo, counter: regRepo,
		sessions: sessions.NewRepository(pool),
		ping:     pool.Ping,
		close:    pool.Close,
	}, nil
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	orchCfg, err := cfg.Conversation.Orchestrator()
	if err != nil {
		logger.Fatal("conversation config", zap.Error(err))
	}

	ctx := context.Background()
	db, err := openBackend(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewClient(ctx, redisOptions(cfg.Redis), logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	// Lifecycle events: always logged; with Redis also published to rooms and queued for the archiver.
	var (
		hub       *realtime.Hub
		notifiers = events.Fanout{events.NewLogNotifier(logger)}
		locker    conversation.Locker
	)
	if rdb != nil {
		hub = realtime.NewHub(logger, rdb.Client, realtime.NewRedisPubSub(rdb.Client, logger))
		notifiers = append(notifiers,
			events.NewRedisNotifier(rdb.Client, logger),
			events.NewQueueNotifier(queue.NewQueue(rdb.Client, logger)),
		)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
		notifiers = append(notifiers, hub)
	}
	switch cfg.Conversation.LockBackend {
	case "redis":
		locker = redislock.New(rdb.Client, redislock.DefaultTTL, redislock.DefaultRetry, logger)
	default:
		locker = conversation.NewKeyedMutex()
	}

	orch := conversation.New(conversation.Deps{
		Slots:    db.slots,
		Gate:     db.gate,
		Store:    db.sessions,
		Notifier: notifiers,
		Locker:   locker,
	}, orchCfg, logger)
	scheduler := conversation.NewScheduler(orch, orchCfg.SweepInterval, logger)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	var tokens sessions.TokenIssuer
	if cfg.Zego.ServerSecret != "" {
		issuer, err := roomtoken.NewIssuer(cfg.Zego.AppID, cfg.Zego.ServerSecret, time.Duration(cfg.Zego.TokenTTLSec)*time.Second)
		if err != nil {
			logger.Fatal("room tokens", zap.Error(err))
		}
		tokens = issuer
	} else {
		logger.Warn("room tokens disabled (ZEGO_SERVER_SECRET not set)")
	}

	sessionHandler := sessions.NewHandler(orch, tokens, cfg.WebRTC.ICEUrls, logger)
	slotHandler := timeslots.NewHandler(db.slotStore, db.counter, orch.Config(), logger)
	registrationHandler := registrations.NewHandler(
		registrations.NewService(db.regStore, db.slots, registrations.DefaultMaxActive, logger), logger)

	jwtValidate := func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.UserID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := db.ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if rdb != nil {
			if err := rdb.Healthy(c.Request.Context()); err != nil {
				response.ServiceUnavailable(c, "redis unavailable")
				return
			}
		}
		response.OK(c, gin.H{"status": "ok"})
	})

	// Protected API (JWT required)
	api := router.Group("/api/v1")
	api.Use(middleware.JWT(jwtService))
	{
		sessionHandler.RegisterRoutes(api)
		slotHandler.RegisterRoutes(api, middleware.RequireRole(auth.RoleAdmin))
		registrationHandler.RegisterRoutes(api)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, orch, jwtValidate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	scheduler.Start()
	logger.Info("lifecycle sweeps started", zap.Duration("interval", orchCfg.SweepInterval))

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func redisOptions(cfg config.RedisConfig) redis.Options {
	return redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, PoolSize: cfg.PoolSize}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
