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

	"github.com/agentcell/agentcell/internal/api"
	"github.com/agentcell/agentcell/internal/common/config"
	"github.com/agentcell/agentcell/internal/common/database"
	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/internal/events/bus"
	"github.com/agentcell/agentcell/internal/sandbox/cmdwrap"
	"github.com/agentcell/agentcell/internal/sandbox/hostcmd"
	"github.com/agentcell/agentcell/internal/sandbox/ports"
	"github.com/agentcell/agentcell/internal/sandbox/provision"
	"github.com/agentcell/agentcell/internal/sandbox/status"
	"github.com/agentcell/agentcell/internal/session/registry"
	"github.com/agentcell/agentcell/internal/session/store"
)

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

	log.Info("Starting Sandbox Manager service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Open the stores: PostgreSQL when a host is configured, SQLite otherwise
	var (
		portStore  ports.Store
		tokenStore store.TokenStore
	)
	if cfg.Database.Host != "" {
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		portStore, err = ports.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize port store", zap.Error(err))
		}
		tokenStore, err = store.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize token store", zap.Error(err))
		}
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.Database.Host))
	} else {
		sqlitePorts, err := ports.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite port store", zap.Error(err))
		}
		defer sqlitePorts.Close()

		sqliteTokens, err := store.NewSQLiteStore(cfg.Database.SQLitePath)
		if err != nil {
			log.Fatal("Failed to open SQLite token store", zap.Error(err))
		}
		defer sqliteTokens.Close()

		portStore = sqlitePorts
		tokenStore = sqliteTokens
		log.Info("Using SQLite stores", zap.String("path", cfg.Database.SQLitePath))
	}

	// 6. Build the sandbox components
	allocator := ports.NewAllocator(portStore,
		cfg.Sandbox.PortPoolFloor, cfg.Sandbox.PortPoolCeiling, cfg.Sandbox.PortBlockSize, eventBus, log)

	runner := hostcmd.NewExecRunner(cfg.Sandbox.CommandTimeoutDuration(), log)
	provisioner := provision.NewProvisioner(cfg.Sandbox, runner, allocator, eventBus, log)
	collector := status.NewCollector(cfg.Sandbox, runner, log)

	checker := cmdwrap.NewChecker(
		cfg.Sandbox.Enabled,
		cfg.Runtime.PublicBaseURL,
		cfg.Sandbox.StorageQuotaBytes,
		collector.WorkspaceUsage,
		log,
	)

	// 7. Build the session registry and idle reaper
	reg := registry.NewRegistry(cfg, provisioner, tokenStore, checker, nil, eventBus, log)

	reaper := registry.NewReaper(reg, cfg.Reaper, log)
	reaper.Start()

	// 8. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())
	router.Use(api.RateLimit(cfg.Server.RateLimit))

	// 9. Register API routes
	v1 := router.Group("/api/v1")
	handler := api.SetupRoutes(v1, reg, provisioner, collector, allocator, log)

	// Health check endpoint at root level
	router.GET("/health", handler.HealthCheck)

	// 10. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Sandbox Manager service...")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the reaper before tearing sessions down so a sweep cannot race
	// the shutdown
	reaper.Stop()
	reg.Shutdown(shutdownCtx)

	log.Info("Sandbox Manager service stopped")
}
