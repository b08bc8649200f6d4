package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentpkg "github.com/palaver-dev/palaver/pkg/agent"
	"github.com/palaver-dev/palaver/pkg/events"
	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/streaming"
)

type fakeRoomStore struct {
	mu             sync.Mutex
	room           models.Room
	agents         []models.Agent
	finished       []int64
	revived        []int64
	saved          []*models.Message
	nextID         int64
	assistantCount int
}

func (s *fakeRoomStore) GetRoom(ctx context.Context, roomID int64) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.room
	return &room, nil
}

func (s *fakeRoomStore) MarkRoomFinished(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = append(s.finished, roomID)
	s.room.IsFinished = true
	return nil
}

func (s *fakeRoomStore) ReviveRoom(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revived = append(s.revived, roomID)
	s.room.IsFinished = false
	return nil
}

func (s *fakeRoomStore) CountAssistantMessages(ctx context.Context, roomID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantCount, nil
}

func (s *fakeRoomStore) AgentsForRoom(ctx context.Context, roomID int64) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Agent(nil), s.agents...), nil
}

func (s *fakeRoomStore) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	saved := *msg
	saved.ID = s.nextID
	s.saved = append(s.saved, &saved)
	return &saved, nil
}

// agent.TurnStore methods, so the real generator can run over this fake.

func (s *fakeRoomStore) MessagesAfterAgentLastResponse(ctx context.Context, roomID, agentID int64) ([]models.Message, error) {
	return nil, nil
}

func (s *fakeRoomStore) SessionID(ctx context.Context, roomID, agentID int64) (string, error) {
	return "", nil
}

func (s *fakeRoomStore) SaveSessionID(ctx context.Context, roomID, agentID int64, sessionID string) error {
	return nil
}

func (s *fakeRoomStore) InvalidateRoomMessages(roomID int64) {}

func (s *fakeRoomStore) savedMessages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.saved...)
}

func (s *fakeRoomStore) finishedRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.finished...)
}

func (s *fakeRoomStore) revivedRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.revived...)
}

// fakeRunner replays scripted outcomes per agent and records the calls.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[int64][]models.TurnOutcome
	calls    []agentpkg.TurnRequest
	block    chan struct{}
	err      error
}

func (r *fakeRunner) Generate(ctx context.Context, req agentpkg.TurnRequest) (models.TurnOutcome, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return models.TurnCancelled, nil
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.err != nil {
		return models.TurnErrored, r.err
	}
	script := r.outcomes[req.Agent.ID]
	if len(script) == 0 {
		return models.TurnSkipped, nil
	}
	outcome := script[0]
	r.outcomes[req.Agent.ID] = script[1:]
	return outcome, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) callAgents() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for _, c := range r.calls {
		ids = append(ids, c.Agent.ID)
	}
	return ids
}

func newTestOrchestrator(store *fakeRoomStore, runner *fakeRunner) *Orchestrator {
	logger := slog.Default()
	pool := agentpkg.NewPool(func(llm.Options) llm.Client { return nil }, logger)
	manager := agentpkg.NewManager(pool, streaming.NewTable(), logger)
	return New(store, runner, manager, Config{MaxFollowUpRounds: 2, MaxTotalMessages: 10}, logger)
}

func waitIdle(t *testing.T, o *Orchestrator, roomID int64) {
	t.Helper()
	require.Eventually(t, func() bool { return !o.IsRoomBusy(roomID) }, 2*time.Second, 5*time.Millisecond)
}

func twoAgents() []models.Agent {
	return []models.Agent{
		{ID: 1, Name: "Mira", Priority: 5},
		{ID: 2, Name: "Tomas", Priority: 0},
	}
}

func TestHandleUserMessagePersistsAndRunsTape(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnSkipped},
		2: {models.TurnResponded, models.TurnSkipped},
	}}
	o := newTestOrchestrator(store, runner)

	msg := &models.Message{RoomID: 1, Content: "hello", Role: models.RoleUser}
	require.NoError(t, o.HandleUserMessage(context.Background(), 1, msg, "hello"))
	waitIdle(t, o, 1)

	saved := store.savedMessages()
	require.Len(t, saved, 1)
	assert.Equal(t, "hello", saved[0].Content)

	// Initial round in priority order, then a follow-up round for both.
	ids := runner.callAgents()
	require.GreaterOrEqual(t, len(ids), 2)
	assert.Equal(t, []int64{1, 2}, ids[:2])
}

func TestUserMessageCarriedOnlyInInitialRound(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnSkipped},
		2: {models.TurnResponded, models.TurnSkipped},
	}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.GreaterOrEqual(t, len(runner.calls), 4)
	assert.Equal(t, "hello", runner.calls[0].UserMessage)
	assert.Equal(t, "hello", runner.calls[1].UserMessage)
	assert.Empty(t, runner.calls[2].UserMessage)
	assert.Empty(t, runner.calls[3].UserMessage)
}

func TestAllSkippedMarksRoomFinished(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	assert.Equal(t, []int64{1}, store.finishedRooms())
	assert.Equal(t, 2, runner.callCount())
}

func TestFollowUpRoundsBounded(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	// Both agents respond forever; rounds must stop at the follow-up cap.
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnResponded, models.TurnResponded, models.TurnResponded},
		2: {models.TurnResponded, models.TurnResponded, models.TurnResponded, models.TurnResponded},
	}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	// Initial round + 2 follow-up rounds, 2 agents each.
	assert.Equal(t, 6, runner.callCount())
}

func TestMessageCapStopsTape(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnResponded},
		2: {models.TurnResponded, models.TurnResponded},
	}}
	o := newTestOrchestrator(store, runner)
	o.cfg.MaxTotalMessages = 2

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	assert.Equal(t, 2, runner.callCount())
}

func TestSingleAgentStopsAfterInitialRound(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: []models.Agent{{ID: 1, Name: "Mira"}}}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnResponded},
	}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	assert.Equal(t, 1, runner.callCount())
}

func TestAutonomousRoundSkipsBusyRoom(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}, block: make(chan struct{})}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	require.Eventually(t, func() bool { return o.IsRoomBusy(1) }, time.Second, 5*time.Millisecond)

	// The room is busy: the autonomous path must not start a second tape.
	o.ProcessAutonomousRound(context.Background(), 1)

	close(runner.block)
	waitIdle(t, o, 1)
}

func TestAutonomousRoundRequiresTwoAgents(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: []models.Agent{{ID: 1, Name: "Mira"}}}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	o.ProcessAutonomousRound(context.Background(), 1)
	assert.Equal(t, 0, runner.callCount())
}

// stallingClient streams one text delta on Query and then hangs, standing
// in for a runtime mid-generation.
type stallingClient struct {
	events chan llm.Event
}

func newStallingClient() *stallingClient {
	return &stallingClient{events: make(chan llm.Event, 8)}
}

func (c *stallingClient) Connect(ctx context.Context) error    { return nil }
func (c *stallingClient) Disconnect(ctx context.Context) error { return nil }
func (c *stallingClient) Interrupt(ctx context.Context) error  { return nil }
func (c *stallingClient) IsReady() bool                        { return true }
func (c *stallingClient) Resume() string                       { return "" }
func (c *stallingClient) Events() <-chan llm.Event             { return c.events }

func (c *stallingClient) Query(ctx context.Context, prompt string) error {
	c.events <- llm.StreamEvent{Delta: llm.Delta{Type: llm.DeltaText, Text: "the answer is"}}
	return nil
}

func TestInterruptMidStreamPersistsPartial(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: []models.Agent{{ID: 1, Name: "Mira"}}}
	logger := slog.Default()
	client := newStallingClient()
	pool := agentpkg.NewPool(func(llm.Options) llm.Client { return client }, logger)
	manager := agentpkg.NewManager(pool, streaming.NewTable(), logger)
	broadcaster := events.NewBroadcaster(logger)
	gen := agentpkg.NewGenerator(store, manager, broadcaster, "sonnet", nil, logger)
	o := New(store, gen, manager, Config{MaxFollowUpRounds: 2, MaxTotalMessages: 10}, logger)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))

	// Wait for the streamed text to land in the table, then interrupt while
	// the generator is still blocked on the runtime.
	require.Eventually(t, func() bool {
		return manager.Streaming.SnapshotRoom(1)[1].Response == "the answer is"
	}, 2*time.Second, 5*time.Millisecond)

	o.InterruptRoom(context.Background(), 1, true)
	waitIdle(t, o, 1)

	saved := store.savedMessages()
	require.Len(t, saved, 1)
	assert.Equal(t, "the answer is", saved[0].Content)
	assert.Equal(t, models.RoleAssistant, saved[0].Role)
	require.NotNil(t, saved[0].AgentID)
	assert.Equal(t, int64(1), *saved[0].AgentID)
}

func TestAllErroredRoundLeavesRoomOpen(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{err: errors.New("runtime unreachable")}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	// Errored turns are not skips: the room must stay open for the next
	// user message.
	assert.Empty(t, store.finishedRooms())
	assert.Equal(t, 2, runner.callCount())
}

func TestUserMessageReopensFinishedRoom(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1, IsFinished: true}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded, models.TurnSkipped},
		2: {models.TurnResponded, models.TurnSkipped},
	}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	assert.Equal(t, []int64{1}, store.revivedRooms())
	assert.GreaterOrEqual(t, runner.callCount(), 2)
}

func TestInteractionBudgetFinishesRoom(t *testing.T) {
	budget := 3
	store := &fakeRoomStore{
		room:           models.Room{ID: 1, MaxInteractions: &budget},
		agents:         twoAgents(),
		assistantCount: 3,
	}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	// The budget is spent, so the tape never runs a turn.
	assert.Equal(t, 0, runner.callCount())
	assert.Equal(t, []int64{1}, store.finishedRooms())
}

func TestInteractionBudgetUnderLimitRuns(t *testing.T) {
	budget := 5
	store := &fakeRoomStore{
		room:           models.Room{ID: 1, MaxInteractions: &budget},
		agents:         twoAgents(),
		assistantCount: 2,
	}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{
		1: {models.TurnResponded},
		2: {models.TurnResponded},
	}}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	waitIdle(t, o, 1)

	assert.GreaterOrEqual(t, runner.callCount(), 2)
}

func TestInterruptSavesPartials(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	task := models.TaskID{RoomID: 1, AgentID: 1}
	o.manager.Streaming.Init(task, "Mira", false)
	o.manager.Streaming.Update(task, "half a thought", "I was about to say")

	o.InterruptRoom(context.Background(), 1, true)

	saved := store.savedMessages()
	require.Len(t, saved, 1)
	assert.Equal(t, "I was about to say", saved[0].Content)
	assert.Equal(t, models.RoleAssistant, saved[0].Role)
	require.NotNil(t, saved[0].AgentID)
	assert.Equal(t, int64(1), *saved[0].AgentID)
	require.NotNil(t, saved[0].Thinking)
	assert.Equal(t, "half a thought", *saved[0].Thinking)

	assert.Empty(t, o.manager.Streaming.SnapshotRoom(1))
}

func TestInterruptWithoutSaveDiscardsPartials(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	task := models.TaskID{RoomID: 1, AgentID: 1}
	o.manager.Streaming.Init(task, "Mira", false)
	o.manager.Streaming.Update(task, "", "doomed text")

	o.InterruptRoom(context.Background(), 1, false)

	assert.Empty(t, store.savedMessages())
	assert.Empty(t, o.manager.Streaming.SnapshotRoom(1))
}

func TestInterruptCancelsRunningTape(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}, block: make(chan struct{})}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	require.Eventually(t, func() bool { return o.IsRoomBusy(1) }, time.Second, 5*time.Millisecond)

	o.InterruptRoom(context.Background(), 1, false)
	waitIdle(t, o, 1)
}

func TestPurgeStale(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}}
	o := newTestOrchestrator(store, runner)

	o.mu.Lock()
	o.lastUserMessage[1] = time.Now().Add(-time.Hour)
	o.lastUserMessage[2] = time.Now()
	o.mu.Unlock()

	o.PurgeStale(5 * time.Minute)

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.NotContains(t, o.lastUserMessage, int64(1))
	assert.Contains(t, o.lastUserMessage, int64(2))
}

func TestShutdownStopsTapes(t *testing.T) {
	store := &fakeRoomStore{room: models.Room{ID: 1}, agents: twoAgents()}
	runner := &fakeRunner{outcomes: map[int64][]models.TurnOutcome{}, block: make(chan struct{})}
	o := newTestOrchestrator(store, runner)

	require.NoError(t, o.HandleUserMessage(context.Background(), 1, nil, "hello"))
	require.Eventually(t, func() bool { return o.IsRoomBusy(1) }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	o.Shutdown(ctx)
	assert.False(t, o.IsRoomBusy(1))
}
