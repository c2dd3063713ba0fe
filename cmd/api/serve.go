package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpAdapter "github.com/lorrc/sync-engine/internal/adapters/primary/http"
	mw "github.com/lorrc/sync-engine/internal/adapters/primary/http/middleware"
	"github.com/lorrc/sync-engine/internal/adapters/primary/websocket"
	"github.com/lorrc/sync-engine/internal/adapters/secondary/bridge"
	"github.com/lorrc/sync-engine/internal/adapters/secondary/postgres"
	"github.com/lorrc/sync-engine/internal/adapters/secondary/sqlite"
	"github.com/lorrc/sync-engine/internal/auth"
	"github.com/lorrc/sync-engine/internal/config"
	"github.com/lorrc/sync-engine/internal/core/ports"
	"github.com/lorrc/sync-engine/internal/core/services"
	"github.com/lorrc/sync-engine/internal/infrastructure/logging"
	"github.com/lorrc/sync-engine/internal/infrastructure/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Port = addr
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address, overrides SERVER_PORT")
}

func serve(cfg *config.Config) error {
	// 1. Structured logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
		InstanceID:  cfg.App.InstanceID,
	})

	logger.Info("starting service",
		"version", cfg.App.Version,
		"config", cfg.String(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Event log
	events, closeLog, err := openEventLog(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLog()

	// 3. Distribution bridge
	distribution, closeBridge, err := openBridge(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBridge()

	// 4. Catch-up and the connection gateway
	m := metrics.New()
	catchUpService := services.NewCatchUpService(events, services.CatchUpConfig{
		Retention:    cfg.EventLog.Retention,
		DefaultLimit: cfg.EventLog.CatchUpLimit,
		MaxLimit:     cfg.EventLog.CatchUpMaxLimit,
	}, m, logger)

	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	hub := websocket.NewHub(distribution, tokenManager, catchUpService, m, logger, websocket.HubConfig{
		PingPeriod:      cfg.WebSocket.PingInterval,
		PongWait:        cfg.WebSocket.PongWait,
		AuthTimeout:     cfg.WebSocket.AuthTimeout,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		DedupeWindow:    cfg.WebSocket.DedupeWindow,
		MessageRPS:      cfg.WebSocket.MessageRPS,
		MessageBurst:    cfg.WebSocket.MessageBurst,
		MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
		CatchUpPageSize: cfg.EventLog.CatchUpLimit,
		RetryInterval:   cfg.Bridge.RetryInterval,
	})
	hubCtx, stopHub := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	// 5. Write path; missed publications degrade the tenant's local subscribers
	syncService := services.NewSyncService(
		events,
		services.NewVersionArbiter(events),
		distribution,
		m,
		logger,
		services.SyncServiceConfig{
			AutoVersionRetries: cfg.EventLog.AutoVersionRetries,
			PublishQueueSize:   cfg.EventLog.PublishQueueSize,
			PublishWorkers:     cfg.EventLog.PublishWorkers,
			PublishTimeout:     cfg.EventLog.PublishTimeout,
			FailureListener:    hub,
		},
	)

	// 6. Rate limiters
	var generalLimiter, writeLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
		}, mw.ByClientIP)
		defer generalLimiter.Close()

		writeLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.WriteRPS,
			BurstSize:         cfg.RateLimit.WriteBurst,
		}, mw.ByTenant)
		defer writeLimiter.Close()
	}

	// 7. HTTP surface
	errorHandler := httpAdapter.NewErrorHandler(logger)
	router := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Sync:           httpAdapter.NewSyncHandler(syncService, catchUpService, errorHandler, logger),
		Health:         httpAdapter.NewHealthHandler(events, distribution, cfg.App.Version),
		Metrics:        httpAdapter.NewMetricsHandler(m, hub),
		WebSocket:      httpAdapter.NewWebSocketHandler(hub, cfg, logger),
		Authenticator:  tokenManager,
		CORSOrigins:    cfg.Server.CORSOrigins,
		GeneralLimiter: generalLimiter,
		WriteLimiter:   writeLimiter,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 8. Wait for a signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
			stopHub()
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	// Stop accepting requests, then close sockets, then drain pending publishes
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopHub()
	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		logger.Warn("websocket hub did not stop in time")
	}

	if err := syncService.Shutdown(shutdownCtx); err != nil {
		logger.Error("sync service shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func openEventLog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.EventLog, func(), error) {
	switch cfg.EventLog.Driver {
	case config.EventLogDriverSQLite:
		l, err := sqlite.Open(cfg.EventLog.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite event log: %w", err)
		}
		logger.Info("sqlite event log opened", "path", cfg.EventLog.SQLitePath)
		return l, func() { _ = l.Close() }, nil

	default:
		if cfg.Database.AutoMigrate {
			version, err := postgres.MigrateUp(cfg.Database.URL)
			if err != nil {
				return nil, nil, err
			}
			logger.Info("database migrated", "version", version)
		}

		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("database connection established")
		return postgres.NewEventLog(pool, logger), pool.Close, nil
	}
}

func openBridge(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.DistributionBridge, func(), error) {
	var b ports.DistributionBridge
	closeClient := func() {}

	switch cfg.Bridge.Driver {
	case config.BridgeDriverMemory:
		logger.Warn("using in-process bridge, events reach only this instance")
		b = bridge.NewMemoryBridge()

	default:
		client, err := bridge.NewRedisClient(ctx, cfg.Bridge.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closeClient = func() { _ = client.Close() }
		b = bridge.NewRedisBridge(client, bridge.RedisConfig{
			ChannelPrefix: cfg.Bridge.ChannelPrefix,
			InstanceID:    cfg.App.InstanceID,
		}, logger)
	}

	if err := b.Init(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("init bridge: %w", err)
	}
	logger.Info("distribution bridge ready", "driver", cfg.Bridge.Driver)

	return b, func() {
		if err := b.Shutdown(); err != nil {
			logger.Error("bridge shutdown error", "error", err)
		}
		closeClient()
	}, nil
}
