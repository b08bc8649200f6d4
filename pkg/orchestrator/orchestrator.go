package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/palaver-dev/palaver/pkg/agent"
	"github.com/palaver-dev/palaver/pkg/models"
)

// TurnRunner runs one agent turn. Implemented by agent.Generator; faked in
// tests.
type TurnRunner interface {
	Generate(ctx context.Context, req agent.TurnRequest) (models.TurnOutcome, error)
}

// RoomStore is the persistence surface the orchestrator needs.
type RoomStore interface {
	GetRoom(ctx context.Context, roomID int64) (*models.Room, error)
	MarkRoomFinished(ctx context.Context, roomID int64) error
	ReviveRoom(ctx context.Context, roomID int64) error
	AgentsForRoom(ctx context.Context, roomID int64) ([]models.Agent, error)
	SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	CountAssistantMessages(ctx context.Context, roomID int64) (int, error)
}

// Config bounds a single user-message handling.
type Config struct {
	MaxFollowUpRounds int
	MaxTotalMessages  int
}

type roomTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator serializes tape execution per room and owns the
// interruption path.
type Orchestrator struct {
	store   RoomStore
	runner  TurnRunner
	manager *agent.Manager
	cfg     Config
	logger  *slog.Logger

	mu              sync.Mutex
	activeTasks     map[int64]*roomTask
	lastUserMessage map[int64]time.Time
}

// New creates an orchestrator.
func New(store RoomStore, runner TurnRunner, manager *agent.Manager, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:           store,
		runner:          runner,
		manager:         manager,
		cfg:             cfg,
		logger:          logger.With("component", "orchestrator"),
		activeTasks:     make(map[int64]*roomTask),
		lastUserMessage: make(map[int64]time.Time),
	}
}

// HandleUserMessage reacts to a new user message: it cancels any in-flight
// tape (persisting partial responses), then starts a fresh tape over the
// room's roster. The message itself is already persisted by the caller
// unless msg is non-nil.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, roomID int64, msg *models.Message, content string) error {
	if msg != nil && msg.ID == 0 {
		if _, err := o.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
	}

	// A new user message reopens a finished room.
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.IsFinished {
		if err := o.store.ReviveRoom(ctx, roomID); err != nil {
			return err
		}
	}

	o.InterruptRoom(ctx, roomID, true)

	o.mu.Lock()
	o.lastUserMessage[roomID] = time.Now()
	o.mu.Unlock()

	agents, err := o.store.AgentsForRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}

	o.spawnTape(roomID, agents, content)
	return nil
}

// ProcessAutonomousRound runs one follow-up style round for a room with no
// pending user message. No-op when a tape is already running.
func (o *Orchestrator) ProcessAutonomousRound(ctx context.Context, roomID int64) {
	o.mu.Lock()
	if _, busy := o.activeTasks[roomID]; busy {
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	agents, err := o.store.AgentsForRoom(ctx, roomID)
	if err != nil {
		o.logger.Error("loading room roster failed", "room_id", roomID, "error", err)
		return
	}
	if len(agents) < 2 {
		return
	}

	task, taskCtx := o.registerTask(roomID)
	if task == nil {
		return
	}
	defer o.finishTask(roomID, task)
	o.processAgentResponses(taskCtx, roomID, agents, "")
}

// spawnTape starts a tape in the background, claiming the room's single
// task slot.
func (o *Orchestrator) spawnTape(roomID int64, agents []models.Agent, userMessage string) {
	task, taskCtx := o.registerTask(roomID)
	if task == nil {
		return
	}
	go func() {
		defer o.finishTask(roomID, task)
		o.processAgentResponses(taskCtx, roomID, agents, userMessage)
	}()
}

func (o *Orchestrator) registerTask(roomID int64) (*roomTask, context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.activeTasks[roomID]; busy {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &roomTask{cancel: cancel, done: make(chan struct{})}
	o.activeTasks[roomID] = task
	return task, ctx
}

func (o *Orchestrator) finishTask(roomID int64, task *roomTask) {
	close(task.done)
	task.cancel()
	o.mu.Lock()
	if o.activeTasks[roomID] == task {
		delete(o.activeTasks, roomID)
	}
	o.mu.Unlock()
}

// processAgentResponses executes rounds until a termination rule fires.
func (o *Orchestrator) processAgentResponses(ctx context.Context, roomID int64, agents []models.Agent, userMessage string) {
	logger := o.logger.With("room_id", roomID)
	logger.Info("tape started", "agents", len(agents), "has_user_message", userMessage != "")
	defer logger.Info("tape completed")

	totalMessages := 0
	tape := BuildInitialTape(agents)

	if o.interactionBudgetReached(ctx, roomID, logger) {
		return
	}

	for round := 0; ; round++ {
		responders := make(map[int64]bool)
		skipped, errored := 0, 0

		for _, turn := range tape {
			if ctx.Err() != nil {
				return
			}
			req := agent.TurnRequest{
				RoomID:     roomID,
				Agent:      turn.Agent,
				AgentCount: len(agents),
			}
			if !turn.IsFollowUp {
				req.UserMessage = userMessage
			}

			outcome, err := o.runner.Generate(ctx, req)
			if err != nil {
				// A failed turn aborts only itself; the tape moves on.
				logger.Error("turn failed", "agent", turn.Agent.Name, "round", round, "error", err)
				errored++
				continue
			}
			switch outcome {
			case models.TurnResponded:
				totalMessages++
				if !turn.Agent.Transparent {
					responders[turn.Agent.ID] = true
				}
			case models.TurnSkipped:
				skipped++
			case models.TurnCancelled:
				return
			}
		}

		// Termination rules, checked in order after each round. Errored
		// turns are not skips: the room stays open so the next user message
		// can retry.
		if skipped == len(tape) {
			if err := o.store.MarkRoomFinished(context.Background(), roomID); err != nil {
				logger.Error("marking room finished failed", "error", err)
			}
			logger.Info("all agents skipped, room finished", "round", round)
			return
		}
		if errored == len(tape) {
			logger.Warn("round failed for every agent, leaving room open", "round", round)
			return
		}
		if totalMessages >= o.cfg.MaxTotalMessages {
			logger.Info("message cap reached", "total", totalMessages)
			return
		}
		if round >= o.cfg.MaxFollowUpRounds {
			return
		}
		if len(agents) == 1 {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if room, err := o.store.GetRoom(ctx, roomID); err != nil || room.IsPaused || room.IsFinished {
			return
		}
		if o.interactionBudgetReached(ctx, roomID, logger) {
			return
		}

		tape = BuildFollowUpTape(agents, responders, round+1)
		if len(tape) == 0 {
			return
		}
	}
}

// interactionBudgetReached enforces a room's max_interactions as a hard cap
// on its lifetime assistant messages. Reaching it finishes the room; the cap
// must be raised over the API before the conversation can continue.
func (o *Orchestrator) interactionBudgetReached(ctx context.Context, roomID int64, logger *slog.Logger) bool {
	room, err := o.store.GetRoom(ctx, roomID)
	if err != nil || room.MaxInteractions == nil {
		return false
	}
	count, err := o.store.CountAssistantMessages(ctx, roomID)
	if err != nil {
		logger.Error("counting assistant messages failed", "error", err)
		return false
	}
	if count < *room.MaxInteractions {
		return false
	}
	logger.Info("interaction budget reached", "count", count, "max", *room.MaxInteractions)
	if err := o.store.MarkRoomFinished(context.Background(), roomID); err != nil {
		logger.Error("marking room finished failed", "error", err)
	}
	return true
}

// InterruptRoom cancels the room's in-flight tape and signals its active
// runtime clients to stop. With savePartial, the drained streaming text is
// persisted as ordinary assistant messages so nothing the agents managed
// to say is lost.
func (o *Orchestrator) InterruptRoom(ctx context.Context, roomID int64, savePartial bool) {
	o.mu.Lock()
	task := o.activeTasks[roomID]
	o.mu.Unlock()

	// Snapshot before cancelling: the generator clears its streaming entry
	// as the turn unwinds, so the partial text must be captured first.
	// Updates arriving after the drain land on cleared entries and are
	// dropped.
	snapshot := o.manager.Streaming.DrainRoom(roomID)

	if task != nil {
		task.cancel()
	}

	o.manager.InterruptRoom(ctx, roomID)

	if task != nil {
		select {
		case <-task.done:
		case <-time.After(5 * time.Second):
			o.logger.Warn("timed out waiting for tape to stop", "room_id", roomID)
		}
	}

	if !savePartial {
		return
	}
	for agentID, partial := range snapshot {
		if partial.Response == "" {
			continue
		}
		agentID := agentID
		name := partial.AgentName
		participant := models.ParticipantCharacter
		msg := &models.Message{
			RoomID:          roomID,
			AgentID:         &agentID,
			Content:         partial.Response,
			Role:            models.RoleAssistant,
			ParticipantType: &participant,
			ParticipantName: &name,
			Timestamp:       time.Now(),
		}
		if partial.Thinking != "" {
			thinking := partial.Thinking
			msg.Thinking = &thinking
		}
		// The interrupt may run under an already-cancelled request context;
		// the partial must still be written.
		if _, err := o.store.SaveMessage(context.Background(), msg); err != nil {
			o.logger.Error("saving partial response failed", "room_id", roomID, "agent_id", agentID, "error", err)
		}
	}
}

// IsRoomBusy reports whether a tape is running for the room.
func (o *Orchestrator) IsRoomBusy(roomID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.activeTasks[roomID]
	return busy
}

// PurgeStale drops orchestrator bookkeeping and pooled clients for rooms
// with no user activity inside the window.
func (o *Orchestrator) PurgeStale(window time.Duration) {
	cutoff := time.Now().Add(-window)

	o.mu.Lock()
	var stale []int64
	for roomID, last := range o.lastUserMessage {
		if last.Before(cutoff) {
			if _, busy := o.activeTasks[roomID]; !busy {
				stale = append(stale, roomID)
				delete(o.lastUserMessage, roomID)
			}
		}
	}
	o.mu.Unlock()

	for _, roomID := range stale {
		o.manager.Pool.CleanupRoom(roomID)
	}
	if len(stale) > 0 {
		o.logger.Info("purged stale rooms", "count", len(stale))
	}
}

// Shutdown cancels every in-flight tape and interrupts all clients.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	tasks := make([]*roomTask, 0, len(o.activeTasks))
	for _, task := range o.activeTasks {
		task.cancel()
		tasks = append(tasks, task)
	}
	o.mu.Unlock()

	o.manager.InterruptAll(ctx)

	for _, task := range tasks {
		select {
		case <-task.done:
		case <-ctx.Done():
			return
		}
	}
}
