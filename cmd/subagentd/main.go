// Package main is the unified entry point for the subagent tracker
// daemon. A single binary runs the event bus, the durable activity
// logger, the snapshot engine, the analytics ingestor, the realtime
// monitor, and the approval API together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subagent/subagent/internal/activity"
	"github.com/subagent/subagent/internal/analytics"
	"github.com/subagent/subagent/internal/approval"
	"github.com/subagent/subagent/internal/common/config"
	"github.com/subagent/subagent/internal/common/httpmw"
	"github.com/subagent/subagent/internal/common/logger"
	"github.com/subagent/subagent/internal/common/tracing"
	"github.com/subagent/subagent/internal/events/bus"
	"github.com/subagent/subagent/internal/handoff"
	"github.com/subagent/subagent/internal/realtime"
	"github.com/subagent/subagent/internal/snapshot"
)

const serverName = "subagentd"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting subagentd...")

	// 3. Prepare the on-disk layout
	paths := config.NewPaths(cfg)
	if err := paths.EnsureLayout(); err != nil {
		log.Fatal("Failed to prepare data root", zap.Error(err))
	}
	if cfg.MigrateLegacy {
		if err := paths.MigrateLegacyAlias(); err != nil {
			log.Warn("Failed to create legacy data dir alias", zap.Error(err))
		}
	}

	// 4. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.Bus.NATSURL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.Bus.NATSURL))
		natsBus, err := bus.NewNATSEventBus(cfg.Bus.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(bus.Options{
			QueueSize:        cfg.Bus.QueueSize,
			SubscriberBuffer: cfg.Bus.SubscriberBuffer,
			PublishTimeout:   cfg.Bus.PublishTimeout(),
		}, log)
	}
	defer eventBus.Close()

	// 6. Analytics store + bus ingestor
	store, err := analytics.Open(paths.AnalyticsDB(), log)
	if err != nil {
		log.Fatal("Failed to open analytics store", zap.Error(err))
	}
	ingestor := analytics.NewIngestor(store, analytics.IngestorConfig{
		BatchRows:     cfg.Analytics.BatchRows,
		FlushInterval: cfg.Analytics.FlushInterval(),
	}, log)
	if err := ingestor.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach analytics ingestor", zap.Error(err))
	}

	// 7. Session + activity logger
	session := activity.NewSession(time.Now())
	actLogger, err := activity.New(activity.Config{
		LogPath:       paths.SessionLog(session.ID),
		StatePath:     paths.SessionLogState(session.ID),
		QueueSize:     cfg.Activity.QueueSize,
		BatchSize:     cfg.Activity.BatchSize,
		FlushInterval: cfg.Activity.FlushInterval(),
		RotateBytes:   cfg.Activity.RotateBytes,
		Strict:        cfg.Activity.Strict,
		Block:         cfg.Activity.Policy == "block",
		ShutdownGrace: cfg.Activity.ShutdownGrace(),
	}, session, eventBus, log)
	if err != nil {
		log.Fatal("Failed to open activity log", zap.Error(err))
	}
	log.Info("Activity logger started",
		zap.String("session_id", session.ID),
		zap.String("log", paths.SessionLog(session.ID)))

	// 8. Snapshot engine
	workDir, err := os.Getwd()
	if err != nil {
		workDir = ""
	}
	engine, err := snapshot.NewEngine(snapshot.Config{
		StateDir:          paths.StateDir(),
		CounterPath:       paths.SnapshotCounterFile(),
		SessionID:         session.ID,
		WorkDir:           workDir,
		AgentCountTrigger: cfg.Snapshot.AgentCountTrigger,
		TokenTrigger:      int64(cfg.Snapshot.TokenTrigger),
		Periodic:          cfg.Snapshot.Interval(),
		Compress:          cfg.Snapshot.Compress,
		GitTimeout:        cfg.Snapshot.GitTimeout(),
		WriteTimeout:      cfg.Snapshot.WriteTimeout(),
	}, actLogger, log)
	if err != nil {
		log.Fatal("Failed to initialize snapshot engine", zap.Error(err))
	}
	if err := engine.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach snapshot engine", zap.Error(err))
	}

	// 9. Realtime aggregator + monitor hub
	agg := realtime.NewAggregator()
	if err := agg.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach metrics aggregator", zap.Error(err))
	}
	hub := realtime.NewHub(realtime.HubConfig{
		MetricsInterval: cfg.Monitor.MetricsInterval(),
		ClientBuffer:    cfg.Monitor.ClientBuffer,
	}, agg, log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to attach monitor hub", zap.Error(err))
	}

	// 10. Approval gate
	gate, err := approval.NewGate(approval.Config{
		QueuePath: paths.QueueFile(),
		Policy: approval.Policy{
			Threshold:      cfg.Approval.Threshold,
			SensitivePaths: cfg.Approval.SensitivePaths,
			ProtectTests:   cfg.Approval.ProtectTests,
		},
		Timeout: cfg.Approval.Timeout(),
		Bypass:  cfg.Approval.Bypass,
	}, actLogger, engine, log)
	if err != nil {
		log.Fatal("Failed to load approval queue", zap.Error(err))
	}
	if expired := gate.ExpireOverdue(ctx); expired > 0 {
		log.Info("Expired overdue approvals from previous run", zap.Int("count", expired))
	}

	// 11. HTTP server (approval API + monitor WebSocket)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	gate.RegisterRoutes(router)
	router.GET("/ws", hub.HandleWS)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"service":    serverName,
			"session_id": session.ID,
		})
	})
	router.GET("/api/sessions/:id/summary", func(c *gin.Context) {
		id := c.Param("id")
		if id == "current" {
			id = session.ID
		}
		summary, err := store.SessionSummary(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("approvals", "/api/approvals"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// 12. Wait for termination
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("Shutting down subagentd...")
	case <-groupCtx.Done():
		log.Error("Component failed, shutting down")
	}
	cancel()
	if err := group.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	// 13. Ordered teardown: stop event producers, drain the durable log,
	// drain analytics, finalize the session, then write the handoff.
	engine.Close()
	agg.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Activity.ShutdownGrace())
	if err := actLogger.Shutdown(drainCtx); err != nil {
		log.Error("Activity log drain incomplete", zap.Error(err))
	}
	drainCancel()
	ingestor.Close()

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()
	if err := store.FinalizeSession(finalCtx, session.ID, time.Now().UTC(), "clean"); err != nil {
		log.Error("Failed to finalize session", zap.Error(err))
	}
	gen := handoff.NewGenerator(store, log)
	if err := gen.Write(finalCtx, session.ID, paths.HandoffFile(session.ID)); err != nil {
		log.Error("Failed to write session handoff", zap.Error(err))
	} else {
		log.Info("Session handoff written", zap.String("path", paths.HandoffFile(session.ID)))
	}

	if err := store.Close(); err != nil {
		log.Error("Analytics store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(finalCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("subagentd stopped", zap.String("session_id", session.ID))
}
