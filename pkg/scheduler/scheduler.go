// Package scheduler drives autonomous conversation rounds and periodic
// maintenance on cron schedules.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/orchestrator"
	"github.com/palaver-dev/palaver/pkg/services"
)

const (
	// defaultAutonomousTick drives rounds when no interval is configured.
	defaultAutonomousTick = 2 * time.Second
	// maintenanceSpec fires every 5 minutes.
	maintenanceSpec = "0 */5 * * * *"
)

// Config tunes the scheduler.
type Config struct {
	MaxConcurrentRooms int
	AutonomousTick     time.Duration
	RoomActiveWindow   time.Duration
}

// Scheduler owns the cron runner. One autonomous tick is in flight at a
// time; a tick that fires while the previous one still runs is dropped
// silently.
type Scheduler struct {
	rooms  *services.RoomService
	agents *services.AgentService
	orch   *orchestrator.Orchestrator
	cache  *cache.Cache
	cfg    Config
	logger *slog.Logger

	cron *cron.Cron
	sem  *semaphore.Weighted
}

// New creates a scheduler. Call Start to begin ticking.
func New(rooms *services.RoomService, agents *services.AgentService, orch *orchestrator.Orchestrator, c *cache.Cache, cfg Config, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		rooms:  rooms,
		agents: agents,
		orch:   orch,
		cache:  c,
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRooms)),
	}

	cronLogger := cron.PrintfLogger(slogPrintfAdapter{s.logger})
	s.cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	return s
}

// autonomousSpec builds the cron descriptor for the configured tick.
func (s *Scheduler) autonomousSpec() string {
	tick := s.cfg.AutonomousTick
	if tick <= 0 {
		tick = defaultAutonomousTick
	}
	return "@every " + tick.String()
}

// Start registers the jobs and begins the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.autonomousSpec(), s.autonomousTick); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(maintenanceSpec, s.maintenanceTick); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		"autonomous_spec", s.autonomousSpec(), "max_concurrent_rooms", s.cfg.MaxConcurrentRooms)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for scheduler jobs")
	}
}

// autonomousTick runs one pass over the active rooms.
func (s *Scheduler) autonomousTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	rooms, err := s.rooms.ActiveCandidates(ctx, s.cfg.RoomActiveWindow, s.cfg.MaxConcurrentRooms)
	if err != nil {
		s.logger.Error("listing candidate rooms failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, room := range rooms {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(room models.Room) {
			defer wg.Done()
			defer s.sem.Release(1)
			s.processRoom(ctx, room)
		}(room)
	}
	// The tick holds until every room round finishes so the shared context
	// stays alive; overlapping ticks are dropped by SkipIfStillRunning.
	wg.Wait()
}

// processRoom runs one autonomous round for a room if it has enough agents.
// Errors stay confined to the room.
func (s *Scheduler) processRoom(ctx context.Context, room models.Room) {
	roster, err := s.agents.ListForRoom(ctx, room.ID)
	if err != nil {
		s.logger.Error("loading roster failed", "room_id", room.ID, "error", err)
		return
	}
	if len(roster) < 2 {
		return
	}
	s.orch.ProcessAutonomousRound(ctx, room.ID)
}

// maintenanceTick evicts expired cache entries and purges stale
// orchestrator and pool state.
func (s *Scheduler) maintenanceTick() {
	removed := s.cache.CleanupExpired()
	s.orch.PurgeStale(s.cfg.RoomActiveWindow)
	if removed > 0 {
		s.logger.Debug("cache cleanup", "removed", removed)
	}
}

// slogPrintfAdapter lets cron's logger chain write through slog.
type slogPrintfAdapter struct {
	logger *slog.Logger
}

func (a slogPrintfAdapter) Printf(format string, args ...any) {
	a.logger.Debug("cron", "message", format, "args", args)
}
