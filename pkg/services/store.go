package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/queue"
)

// Store bundles the services and adapts them to the narrower interfaces
// the generator and orchestrator consume.
type Store struct {
	Rooms    *RoomService
	Agents   *AgentService
	Messages *MessageService
	Sessions *SessionService
}

// NewStore wires all services over one database, write queue, and cache.
func NewStore(db *database.Client, wq *queue.WriteQueue, c *cache.Cache, logger *slog.Logger) *Store {
	return &Store{
		Rooms:    NewRoomService(db, wq, c, logger),
		Agents:   NewAgentService(db, wq, c, logger),
		Messages: NewMessageService(db, wq, c, logger),
		Sessions: NewSessionService(db, wq, c, logger),
	}
}

// GetRoom implements agent.TurnStore.
func (s *Store) GetRoom(ctx context.Context, roomID int64) (*models.Room, error) {
	return s.Rooms.Get(ctx, roomID)
}

// MessagesAfterAgentLastResponse implements agent.TurnStore.
func (s *Store) MessagesAfterAgentLastResponse(ctx context.Context, roomID, agentID int64) ([]models.Message, error) {
	return s.Messages.ListAfterAgentLastResponse(ctx, roomID, agentID)
}

// SessionID implements agent.TurnStore.
func (s *Store) SessionID(ctx context.Context, roomID, agentID int64) (string, error) {
	return s.Sessions.Get(ctx, roomID, agentID)
}

// SaveSessionID implements agent.TurnStore.
func (s *Store) SaveSessionID(ctx context.Context, roomID, agentID int64, sessionID string) error {
	return s.Sessions.Save(ctx, roomID, agentID, sessionID)
}

// SaveMessage implements agent.TurnStore.
func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return s.Messages.Save(ctx, msg)
}

// InvalidateRoomMessages implements agent.TurnStore.
func (s *Store) InvalidateRoomMessages(roomID int64) {
	s.Messages.InvalidateRoomMessages(roomID)
}

// MarkRoomFinished implements orchestrator.RoomStore.
func (s *Store) MarkRoomFinished(ctx context.Context, roomID int64) error {
	return s.Rooms.MarkFinished(ctx, roomID)
}

// ReviveRoom implements orchestrator.RoomStore: a new user message reopens
// a finished room.
func (s *Store) ReviveRoom(ctx context.Context, roomID int64) error {
	finished := false
	return s.Rooms.Update(ctx, roomID, UpdateRoomParams{IsFinished: &finished})
}

// AgentsForRoom implements orchestrator.RoomStore.
func (s *Store) AgentsForRoom(ctx context.Context, roomID int64) ([]models.Agent, error) {
	return s.Agents.ListForRoom(ctx, roomID)
}

// CountAssistantMessages implements orchestrator.RoomStore. Counting from
// the zero time covers the room's whole history, which is what the
// interaction budget is measured against.
func (s *Store) CountAssistantMessages(ctx context.Context, roomID int64) (int, error) {
	return s.Messages.CountAssistantSince(ctx, roomID, time.Time{})
}
