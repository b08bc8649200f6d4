package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/palaver-dev/palaver/pkg/events"
	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/models"
)

// TurnStore is the persistence surface a turn needs. Implemented by the
// service layer; kept narrow so tests can fake it.
type TurnStore interface {
	GetRoom(ctx context.Context, roomID int64) (*models.Room, error)
	MessagesAfterAgentLastResponse(ctx context.Context, roomID, agentID int64) ([]models.Message, error)
	SessionID(ctx context.Context, roomID, agentID int64) (string, error)
	SaveSessionID(ctx context.Context, roomID, agentID int64, sessionID string) error
	SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	InvalidateRoomMessages(roomID int64)
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	RoomID int64
	Agent  models.Agent
	// UserMessage is the triggering user content. Empty means this is a
	// follow-up round turn.
	UserMessage string
	// AgentCount is the number of agents in the room, for prompt shaping.
	AgentCount int
	// Hidden withholds this turn's response text from streaming snapshots.
	Hidden bool
	// StructuredOutput asks the runtime for structured JSON output.
	StructuredOutput bool
}

// Generator runs single agent turns against the runtime.
type Generator struct {
	store       TurnStore
	manager     *Manager
	broadcaster *events.Broadcaster
	model       string
	mcpServers  []llm.MCPServer
	logger      *slog.Logger
}

// NewGenerator creates a generator.
func NewGenerator(store TurnStore, manager *Manager, broadcaster *events.Broadcaster, model string, mcpServers []llm.MCPServer, logger *slog.Logger) *Generator {
	return &Generator{
		store:       store,
		manager:     manager,
		broadcaster: broadcaster,
		model:       model,
		mcpServers:  mcpServers,
		logger:      logger.With("component", "generator"),
	}
}

// buildOptions derives the runtime configuration for an agent. The pool's
// config hash comes from these, so any change here replaces the client.
func (g *Generator) buildOptions(a models.Agent, resume string, structured bool) llm.Options {
	var sb strings.Builder
	sb.WriteString(a.SystemPrompt)
	if a.InANutshell != nil && *a.InANutshell != "" {
		sb.WriteString("\n\n## In a nutshell\n")
		sb.WriteString(*a.InANutshell)
	}
	if a.Characteristics != nil && *a.Characteristics != "" {
		sb.WriteString("\n\n## Characteristics\n")
		sb.WriteString(*a.Characteristics)
	}
	if a.RecentEvents != nil && *a.RecentEvents != "" {
		sb.WriteString("\n\n## Recent events\n")
		sb.WriteString(*a.RecentEvents)
	}

	opts := llm.Options{
		Model:        g.model,
		SystemPrompt: sb.String(),
		AllowedTools: []string{
			"mcp__conversation" + toolSuffixSkip,
			"mcp__conversation" + toolSuffixMemorize,
			"mcp__conversation" + toolSuffixAnthropic,
		},
		MCPServers:             g.mcpServers,
		IncludePartialMessages: true,
		Resume:                 resume,
	}
	if structured {
		opts.OutputFormat = "json"
	}
	return opts
}

// Generate runs one turn end to end: build the prompt, acquire the pooled
// client, stream the response into the streaming table and broadcaster,
// and persist the outcome.
func (g *Generator) Generate(ctx context.Context, req TurnRequest) (models.TurnOutcome, error) {
	task := models.TaskID{RoomID: req.RoomID, AgentID: req.Agent.ID}
	logger := g.logger.With("task", task.String(), "agent", req.Agent.Name)

	room, err := g.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		return models.TurnErrored, fmt.Errorf("loading room %d: %w", req.RoomID, err)
	}
	if room.IsPaused || room.IsFinished {
		return models.TurnSkipped, nil
	}

	msgs, err := g.store.MessagesAfterAgentLastResponse(ctx, req.RoomID, req.Agent.ID)
	if err != nil {
		return models.TurnErrored, fmt.Errorf("loading messages for %s: %w", task.String(), err)
	}
	// Follow-up round with nothing new to react to.
	if req.UserMessage == "" && len(msgs) == 0 {
		return models.TurnSkipped, nil
	}

	prompt := BuildConversationContext(req.Agent, msgs, req.UserMessage, req.AgentCount)

	resume, err := g.store.SessionID(ctx, req.RoomID, req.Agent.ID)
	if err != nil {
		logger.Warn("loading session id failed, starting fresh", "error", err)
		resume = ""
	}

	opts := g.buildOptions(req.Agent, resume, req.StructuredOutput)
	client, _, usageMu, err := g.manager.Pool.GetOrCreate(ctx, task, opts)
	if err != nil {
		g.broadcaster.Broadcast(req.RoomID, events.StreamEnd{
			Type: events.TypeStreamEnd, TaskID: task.String(), RoomID: req.RoomID,
			AgentID: req.Agent.ID, Skipped: false, Error: err.Error(),
		})
		return models.TurnErrored, err
	}
	usageMu.Lock()
	defer usageMu.Unlock()

	g.manager.Streaming.Init(task, req.Agent.Name, req.Hidden)
	defer g.manager.Streaming.Clear(task)
	g.manager.RegisterActive(task, client)
	defer g.manager.DeregisterActive(task)

	g.broadcaster.Broadcast(req.RoomID, events.StreamStart{
		Type: events.TypeStreamStart, TaskID: task.String(), RoomID: req.RoomID,
		AgentID: req.Agent.ID, AgentName: req.Agent.Name, TempID: uuid.NewString(),
	})

	if err := client.Query(ctx, prompt); err != nil {
		g.broadcastEnd(task, req, true, "", "", "", err.Error())
		return models.TurnErrored, fmt.Errorf("submitting turn for %s: %w", task.String(), err)
	}

	fold, err := g.consumeStream(ctx, task, req, client)
	if err != nil {
		if ctx.Err() != nil {
			g.broadcastEnd(task, req, true, "", "", "", "")
			return models.TurnCancelled, nil
		}
		g.broadcastEnd(task, req, false, fold.Response, fold.Thinking, "", err.Error())
		return models.TurnErrored, err
	}
	if ctx.Err() != nil {
		g.broadcastEnd(task, req, true, "", "", "", "")
		return models.TurnCancelled, nil
	}

	// The room may have been paused mid-generation.
	room, err = g.store.GetRoom(ctx, req.RoomID)
	if err == nil && room.IsPaused {
		g.broadcastEnd(task, req, true, "", "", "", "")
		return models.TurnSkipped, nil
	}

	if fold.SessionID != "" && fold.SessionID != resume {
		if err := g.store.SaveSessionID(ctx, req.RoomID, req.Agent.ID, fold.SessionID); err != nil {
			logger.Warn("saving session id failed", "error", err)
		}
	}

	if fold.SkipUsed || strings.TrimSpace(fold.Response) == "" {
		if _, err := g.persistMessage(ctx, req, fold, models.SkipMarker); err != nil {
			logger.Warn("persisting skip marker failed", "error", err)
		}
		g.broadcastEnd(task, req, true, "", fold.Thinking, fold.SessionID, "")
		return models.TurnSkipped, nil
	}

	saved, err := g.persistMessage(ctx, req, fold, fold.Response)
	if err != nil {
		g.broadcastEnd(task, req, false, fold.Response, fold.Thinking, fold.SessionID, err.Error())
		return models.TurnErrored, fmt.Errorf("persisting response for %s: %w", task.String(), err)
	}

	g.broadcastEnd(task, req, false, fold.Response, fold.Thinking, fold.SessionID, "")
	g.broadcaster.Broadcast(req.RoomID, events.NewMessage{
		Type: events.TypeNewMessage, RoomID: req.RoomID, Message: saved,
	})
	g.store.InvalidateRoomMessages(req.RoomID)
	return models.TurnResponded, nil
}

// consumeStream folds runtime events until the result message, updating
// streaming state and fanning deltas out as it goes.
func (g *Generator) consumeStream(ctx context.Context, task models.TaskID, req TurnRequest, client llm.Client) (ParsedEvent, error) {
	var fold ParsedEvent
	for {
		select {
		case <-ctx.Done():
			return fold, ctx.Err()
		case ev, ok := <-client.Events():
			if !ok {
				return fold, fmt.Errorf("runtime stream for %s ended without result", task.String())
			}

			prev := fold
			next := ParseEvent(ev, fold.Response, fold.Thinking)
			fold.Response = next.Response
			fold.Thinking = next.Thinking
			if next.SessionID != "" {
				fold.SessionID = next.SessionID
			}
			if next.SkipUsed {
				fold.SkipUsed = true
			}
			fold.MemoryEntries = append(fold.MemoryEntries, next.MemoryEntries...)
			fold.AnthropicCalls = append(fold.AnthropicCalls, next.AnthropicCalls...)

			if fold.Response != prev.Response || fold.Thinking != prev.Thinking {
				g.manager.Streaming.Update(task, fold.Thinking, fold.Response)
				g.broadcastDeltas(task, req, prev, fold)
			}

			if res, isResult := ev.(llm.ResultMessage); isResult {
				fold.Usage = res.Usage
				fold.StructuredOutput = res.StructuredOutput
				fold.IsError = res.IsError
				if res.IsError {
					return fold, fmt.Errorf("runtime reported an error for %s", task.String())
				}
				return fold, nil
			}
		}
	}
}

func (g *Generator) broadcastDeltas(task models.TaskID, req TurnRequest, prev, cur ParsedEvent) {
	if !g.broadcaster.HasSubscribers(req.RoomID) {
		return
	}
	if cur.Response != prev.Response && !req.Hidden {
		g.broadcaster.Broadcast(req.RoomID, events.ContentDelta{
			Type: events.TypeContentDelta, TaskID: task.String(), RoomID: req.RoomID,
			AgentID: req.Agent.ID,
			Delta:   strings.TrimPrefix(cur.Response, prev.Response), Accumulated: cur.Response,
		})
	}
	if cur.Thinking != prev.Thinking {
		g.broadcaster.Broadcast(req.RoomID, events.ThinkingDelta{
			Type: events.TypeThinkingDelta, TaskID: task.String(), RoomID: req.RoomID,
			AgentID: req.Agent.ID,
			Delta:   strings.TrimPrefix(cur.Thinking, prev.Thinking), Accumulated: cur.Thinking,
		})
	}
}

func (g *Generator) broadcastEnd(task models.TaskID, req TurnRequest, skipped bool, response, thinking, sessionID, errMsg string) {
	g.broadcaster.Broadcast(req.RoomID, events.StreamEnd{
		Type: events.TypeStreamEnd, TaskID: task.String(), RoomID: req.RoomID,
		AgentID: req.Agent.ID, Skipped: skipped,
		ResponseText: response, ThinkingText: thinking,
		SessionID: sessionID, Error: errMsg,
	})
}

func (g *Generator) persistMessage(ctx context.Context, req TurnRequest, fold ParsedEvent, content string) (*models.Message, error) {
	agentID := req.Agent.ID
	participant := models.ParticipantCharacter
	name := req.Agent.Name
	msg := &models.Message{
		RoomID:          req.RoomID,
		AgentID:         &agentID,
		Content:         content,
		Role:            models.RoleAssistant,
		ParticipantType: &participant,
		ParticipantName: &name,
		Timestamp:       time.Now(),
	}
	if fold.Thinking != "" {
		thinking := fold.Thinking
		msg.Thinking = &thinking
	}
	if len(fold.AnthropicCalls) > 0 {
		if data, err := json.Marshal(fold.AnthropicCalls); err == nil {
			calls := string(data)
			msg.AnthropicCalls = &calls
		}
	}
	return g.store.SaveMessage(ctx, msg)
}
