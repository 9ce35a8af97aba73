package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runplane/runplane/internal/callback"
	"github.com/runplane/runplane/internal/common/config"
	"github.com/runplane/runplane/internal/common/database"
	"github.com/runplane/runplane/internal/common/logger"
	"github.com/runplane/runplane/internal/events/bus"
	"github.com/runplane/runplane/internal/executor"
	"github.com/runplane/runplane/internal/gateway"
	"github.com/runplane/runplane/internal/provider"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/reconcile"
	"github.com/runplane/runplane/internal/run"
	"github.com/runplane/runplane/internal/store"
	"github.com/runplane/runplane/internal/stream"
	"github.com/runplane/runplane/internal/tracing"
	"github.com/runplane/runplane/internal/worker"
	v1 "github.com/runplane/runplane/pkg/api/v1"
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

	log.Info("Starting run control plane...")

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

	// 5. Open the persistence backend
	var (
		st store.Store
		q  queue.Queue
	)
	switch strings.ToLower(cfg.Storage.Backend) {
	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			log.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		pgStore, err := store.NewPostgresStore(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize postgres store", zap.Error(err))
		}
		pgQueue, err := queue.NewPostgresQueue(ctx, db)
		if err != nil {
			log.Fatal("Failed to initialize postgres queue", zap.Error(err))
		}
		st, q = pgStore, pgQueue
		log.Info("Connected to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))

	default:
		st = store.NewMemoryStore()
		q = queue.NewMemoryQueue()
		log.Info("Using in-memory storage")
	}

	// 6. Register provider adapters
	providers := provider.NewRegistry()
	providers.Register(provider.NewScripted(v1.ProviderClaudeCode, provider.Capabilities{
		Resume:        true,
		HumanLoop:     true,
		TodoStream:    true,
		BuildPlanMode: true,
	}, nil))
	providers.Register(provider.NewScripted(v1.ProviderOpenCode, provider.Capabilities{
		Resume:     true,
		TodoStream: true,
	}, nil))
	providers.Register(provider.NewScripted(v1.ProviderCodexCLI, provider.Capabilities{}, nil))
	log.Info("Registered provider adapters", zap.Int("count", len(providers.List())))

	// 7. Stream bus and orchestrator
	streams := stream.NewBus(cfg.Stream.Capacity, log)
	orch := run.NewOrchestrator(st, streams, providers, eventBus, log)

	// 8. Queue manager
	queueMgr := queue.NewManager(q, orch.ProcessQueued, cfg.Queue, eventBus, log)
	queueMgr.Start(ctx)
	defer queueMgr.Stop()

	// 9. Executor client and session worker manager
	var execClient worker.ExecutorClient
	if cfg.Executor.BaseURL != "" {
		execClient = executor.NewClient(cfg.Executor, log)
		log.Info("Executor client configured", zap.String("base_url", cfg.Executor.BaseURL))
	} else {
		log.Warn("No executor configured; workspace restore and sync are no-ops")
	}

	var workerMgr *worker.Manager
	if cfg.Docker.Enabled {
		runtime, err := worker.NewDockerRuntime(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker runtime", zap.Error(err))
		}
		defer runtime.Close()

		workerMgr = worker.NewManager(st, runtime, execClient, eventBus, cfg.Worker, log)
		workerMgr.Start(ctx)
		defer workerMgr.Stop()
		log.Info("Session worker manager started")
	} else {
		log.Warn("Docker disabled; session worker endpoints are unavailable")
	}

	// 10. Callback handler. Workspace syncs route through the worker manager
	// when it exists.
	var syncer callback.WorkspaceSyncer
	if workerMgr != nil {
		syncer = workerMgr
	}
	callbacks := callback.NewHandler(st, streams, syncer, eventBus, log)

	// 11. Reconciler
	var recSyncer reconcile.Syncer
	if workerMgr != nil {
		recSyncer = workerMgr
	}
	reconciler := reconcile.NewReconciler(st, q, recSyncer, eventBus, cfg.Reconcile, cfg.Run, log)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	// 12. HTTP gateway
	srv := gateway.NewServer(orch, q, queueMgr, callbacks, workerMgr, st, streams, cfg, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Control plane stopped")
}
