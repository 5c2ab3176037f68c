// Package main is the entry point for fluxd, the Flux agent daemon.
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

	"github.com/fluxhq/flux/internal/common/config"
	"github.com/fluxhq/flux/internal/common/httpmw"
	"github.com/fluxhq/flux/internal/common/logger"
	"github.com/fluxhq/flux/internal/daemon"
	"github.com/fluxhq/flux/internal/events/bus"
	"github.com/fluxhq/flux/internal/gateway"
	"github.com/fluxhq/flux/internal/history"
	"github.com/fluxhq/flux/internal/identity"
	"github.com/fluxhq/flux/internal/runner/backend"
	"github.com/fluxhq/flux/internal/runner/executor"
	"github.com/fluxhq/flux/internal/store"
	"github.com/fluxhq/flux/internal/telemetry/tracing"
)

// version is stamped at build time via -ldflags.
var version = "dev"

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
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting fluxd...", zap.String("version", version))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Load or create the device identity
	device, err := identity.LoadOrCreate(cfg.Paths.StateDir)
	if err != nil {
		log.Fatal("Failed to load device identity", zap.Error(err))
	}
	log.Info("Device identity ready", zap.String("device_id", device.ID))

	// 5. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 6. Create the state store client. A cached device token stands in
	// when no token is configured.
	storeToken := cfg.Store.Token
	if storeToken == "" {
		if tok, err := identity.NewTokenStore(cfg.Paths.StateDir).Get(device.ID, "runner"); err == nil && tok != nil {
			storeToken = tok.Token
			log.Info("Using cached device token for store auth")
		}
	}
	st, err := store.New(store.Options{
		URL:     cfg.Store.URL,
		Token:   storeToken,
		OrgID:   cfg.Store.OrgID,
		Timeout: cfg.Store.StoreTimeout(),
	}, log)
	if err != nil {
		log.Fatal("State store is not configured", zap.Error(err))
	}

	// 7. Open the local session history; the daemon runs without it
	hist, err := history.Open(cfg.History, log)
	if err != nil {
		log.Warn("Session history disabled", zap.Error(err))
		hist = nil
	} else {
		defer hist.Close()
	}

	// 8. Create the capability gateway client
	gw := gateway.New(gateway.Options{
		URL:     cfg.Gateway.URL,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.Gateway.GatewayTimeout(),
	}, log)
	if !gw.Configured() {
		log.Warn("Capability gateway not configured, provider calls are disabled")
	}

	// 9. Register execution backends
	backends := backend.NewRegistry()
	if cfg.Runner.AllowDirectCLI {
		backends.Register(backend.NewClaudeCLI(cfg.Runner.ClaudeBin, log))
		backends.Register(backend.NewCodexCLI(cfg.Runner.CodexBin, log))
	}
	if gw.Configured() {
		backends.Register(backend.NewGateway(gw))
	}
	if backends.Empty() {
		log.Fatal("No execution backend registered; enable direct CLI or configure the gateway")
	}
	log.Info("Execution backends registered", zap.Strings("backends", backends.Names()))

	// 10. Create the executor
	var sink executor.SessionSink
	if hist != nil {
		sink = &historySink{store: hist}
	}
	exec := executor.New(executor.Config{
		DeviceID:        device.ID,
		FallbackBackend: cfg.Runner.Backend,
		WorkspaceRoot:   cfg.Paths.WorkspaceRoot,
	}, st, backends, eventBus, sink, log)

	// 11. Assemble and start the daemon
	d := daemon.New(daemon.Deps{
		Config:   cfg,
		Store:    st,
		Bus:      eventBus,
		Executor: exec,
		Gateway:  gw,
		History:  hist,
		DeviceID: device.ID,
		Version:  version,
		Logger:   log,
	})
	if err := d.Start(ctx); err != nil {
		log.Fatal("Failed to start daemon", zap.Error(err))
	}

	// 12. Setup the local HTTP status server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "fluxd"))
	router.Use(httpmw.OtelTracing("fluxd"))
	router.Use(httpmw.CORS())

	// 13. Register routes
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "fluxd", "version": version})
	})
	v1 := router.Group("/api/v1")
	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Status(c.Request.Context()))
	})
	v1.POST("/supervisor/pause", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Reason == "" {
			body.Reason = "paused by operator"
		}
		d.Supervisor().Pause(body.Reason)
		c.JSON(http.StatusOK, gin.H{"paused": true, "reason": body.Reason})
	})
	v1.POST("/supervisor/resume", func(c *gin.Context) {
		d.Supervisor().Resume()
		c.JSON(http.StatusOK, gin.H{"paused": false})
	})

	// 14. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 15. Start server in goroutine
	go func() {
		log.Info("HTTP status server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down fluxd...")

	// 17. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	d.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("fluxd stopped")
}

// historySink adapts the local history store to the executor's sink interface.
type historySink struct {
	store *history.Store
}

func (h *historySink) RecordSession(ctx context.Context, rec executor.SessionRecord) error {
	session := history.Session{
		TaskID:       rec.TaskID,
		Backend:      rec.Backend,
		SessionID:    rec.SessionID,
		Status:       rec.Status,
		Output:       rec.Output,
		ErrorMessage: rec.ErrorMessage,
		TokensUsed:   rec.TokensUsed,
		CostUSD:      rec.CostUSD,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		KillReason:   rec.KillReason,
	}
	if !rec.KilledAt.IsZero() {
		killedAt := rec.KilledAt
		session.KilledAt = &killedAt
	}
	return h.store.RecordSession(ctx, session)
}
