// Command palaver runs the multi-agent conversation server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	agentpkg "github.com/palaver-dev/palaver/pkg/agent"
	"github.com/palaver-dev/palaver/pkg/api"
	"github.com/palaver-dev/palaver/pkg/auth"
	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/config"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/events"
	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/orchestrator"
	"github.com/palaver-dev/palaver/pkg/queue"
	"github.com/palaver-dev/palaver/pkg/scheduler"
	"github.com/palaver-dev/palaver/pkg/services"
	"github.com/palaver-dev/palaver/pkg/streaming"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := database.NewClient(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	logger.Info("database ready", "path", cfg.DBPath)

	wq := queue.NewWriteQueue()
	wq.Start()

	appCache := cache.New()
	store := services.NewStore(db, wq, appCache, logger)

	table := streaming.NewTable()
	broadcaster := events.NewBroadcaster(logger)
	pool := agentpkg.NewPool(func(opts llm.Options) llm.Client {
		return llm.NewProcessClient(cfg.RuntimeCommand, opts, logger)
	}, logger)
	manager := agentpkg.NewManager(pool, table, logger)
	generator := agentpkg.NewGenerator(store, manager, broadcaster, cfg.RuntimeModel, nil, logger)

	orch := orchestrator.New(store, generator, manager, orchestrator.Config{
		MaxFollowUpRounds: cfg.MaxFollowUpRounds,
		MaxTotalMessages:  cfg.MaxTotalMessages,
	}, logger)

	sched := scheduler.New(store.Rooms, store.Agents, orch, appCache, scheduler.Config{
		MaxConcurrentRooms: cfg.MaxConcurrentRooms,
		AutonomousTick:     cfg.AutonomousTick,
		RoomActiveWindow:   cfg.RoomActiveWindow,
	}, logger)
	if err := sched.Start(); err != nil {
		return err
	}

	tokens := auth.NewManager(cfg.AuthSecret, cfg.TokenTTL)
	tickets := auth.NewTicketStore()
	server := api.NewServer(cfg, db, store, orch, broadcaster, table, tokens, tickets, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Shutdown order: stop scheduling new rounds, stop in-flight tapes and
	// runtime clients, drain pending writes, then close the HTTP listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sched.Stop(shutdownCtx)
	orch.Shutdown(shutdownCtx)
	pool.ShutdownAll(shutdownCtx)
	broadcaster.Shutdown()

	if err := wq.Stop(cfg.WriteQueueDrainTimeout); err != nil {
		logger.Warn("write queue drain incomplete", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
