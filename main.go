package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appforge/internal/api"
	"appforge/internal/auth"
	"appforge/internal/config"
	"appforge/internal/logging"
	"appforge/internal/realtime"
	"appforge/internal/redis"
	"appforge/internal/service/ai"
	"appforge/internal/service/assistant"
	"appforge/internal/storage"
	"appforge/internal/telemetry"
	"appforge/internal/worker"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg, err := config.Load(os.Getenv("APPFORGE_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.BasicConfig.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, cfg.Telemetry, logger)

	dbType := cfg.BasicConfig.Database
	logger.Info("opening database", "driver", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Create necessary tables: users, sessions, messages, user_tokens
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logger.Error("create redis client", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		logger.Info("redis enabled", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
	}

	users := assistant.NewService(db)
	generator, err := ai.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Error("init ai service", "error", err)
		os.Exit(1)
	}

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour)
	authService.SetIdentitySecret(cfg.Identity.Secret)

	hub := realtime.NewHub(logger)
	manager := worker.NewManager(users, generator, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	},
		worker.WithRedis(rdb),
		worker.WithEventSink(hub),
		worker.WithLogger(logger),
		// a crashed holder must not block a session much longer than one chat call
		worker.WithLockTTL(time.Duration(cfg.Generation.ChatTimeoutSeconds)*time.Second+time.Minute),
	)
	defer manager.Close()
	if err := manager.Start(ctx); err != nil {
		logger.Error("subscribe to session events", "error", err)
		os.Exit(1)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))
	api.NewHandler(users, authService, manager, generator, hub, logger).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           otelhttp.NewHandler(router, cfg.Telemetry.ServiceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
}
