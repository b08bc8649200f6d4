package services

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/queue"
)

const messageCacheTTL = 15 * time.Second

const messageColumns = `id, room_id, agent_id, content, role, participant_type,
	participant_name, thinking, anthropic_calls, timestamp, images, chat_session_id,
	game_time_snapshot`

// MessageService manages the conversation log.
type MessageService struct {
	db     *database.Client
	wq     *queue.WriteQueue
	cache  *cache.Cache
	logger *slog.Logger
}

// NewMessageService creates a message service.
func NewMessageService(db *database.Client, wq *queue.WriteQueue, c *cache.Cache, logger *slog.Logger) *MessageService {
	return &MessageService{db: db, wq: wq, cache: c, logger: logger.With("service", "messages")}
}

// Save persists a message and bumps the room's last_activity_at in the
// same queued job, keeping the activity invariant intact.
func (s *MessageService) Save(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.Content == "" {
		return nil, NewValidationError("content", "must not be empty")
	}
	if msg.Role == models.RoleAssistant && msg.AgentID == nil {
		return nil, NewValidationError("agent_id", "assistant messages require an agent")
	}
	if msg.Role == models.RoleUser && msg.AgentID != nil {
		return nil, NewValidationError("agent_id", "user messages must not carry an agent")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	result, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		var participantType any
		if msg.ParticipantType != nil {
			participantType = string(*msg.ParticipantType)
		}
		res, err := s.db.DB().ExecContext(ctx,
			`INSERT INTO messages (room_id, agent_id, content, role, participant_type,
			   participant_name, thinking, anthropic_calls, timestamp, images,
			   chat_session_id, game_time_snapshot)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.RoomID, ptrArg(msg.AgentID), msg.Content, string(msg.Role), participantType,
			ptrArg(msg.ParticipantName), ptrArg(msg.Thinking), ptrArg(msg.AnthropicCalls),
			formatTime(msg.Timestamp), ptrArg(msg.Images), ptrArg(msg.ChatSessionID),
			ptrArg(msg.GameTimeSnapshot))
		if err != nil {
			return nil, err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		_, err = s.db.DB().ExecContext(ctx,
			`UPDATE rooms SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`,
			formatTime(msg.Timestamp), msg.RoomID, formatTime(msg.Timestamp))
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("saving message in room %d: %w", msg.RoomID, err)
	}

	saved := *msg
	saved.ID = result.(int64)
	s.InvalidateRoomMessages(msg.RoomID)
	s.cache.Invalidate(fmt.Sprintf("room:%d", msg.RoomID))
	return &saved, nil
}

// ListForRoom returns the full history, oldest first.
func (s *MessageService) ListForRoom(ctx context.Context, roomID int64) ([]models.Message, error) {
	key := fmt.Sprintf("room_messages:%d", roomID)
	v, err := s.cache.GetOrSet(key, messageCacheTTL, func() (any, error) {
		return s.query(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = ? ORDER BY timestamp, id`,
			roomID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Message), nil
}

// ListSince returns messages with id greater than sinceID, for polling.
func (s *MessageService) ListSince(ctx context.Context, roomID, sinceID int64) ([]models.Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND id > ? ORDER BY timestamp, id`,
		roomID, sinceID)
}

// ListAfterAgentLastResponse returns the messages an agent has not yet
// responded to: everything after its most recent assistant message in the
// room (or the whole log if it never spoke). Skip markers are excluded.
func (s *MessageService) ListAfterAgentLastResponse(ctx context.Context, roomID, agentID int64) ([]models.Message, error) {
	return s.query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ?
		   AND content != ?
		   AND id > COALESCE(
		     (SELECT MAX(id) FROM messages WHERE room_id = ? AND agent_id = ? AND role = 'assistant'),
		     0)
		 ORDER BY timestamp, id`,
		roomID, models.SkipMarker, roomID, agentID)
}

// CountAssistantSince counts non-skip assistant messages newer than a
// point in time. The orchestrator counts from the zero time to enforce a
// room's interaction budget.
func (s *MessageService) CountAssistantSince(ctx context.Context, roomID int64, since time.Time) (int, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE room_id = ? AND role = 'assistant' AND content != ? AND timestamp >= ?`,
		roomID, models.SkipMarker, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting assistant messages in room %d: %w", roomID, err)
	}
	return n, nil
}

// Clear wipes a room's history.
func (s *MessageService) Clear(ctx context.Context, roomID int64) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx, `DELETE FROM messages WHERE room_id = ?`, roomID)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("clearing room %d: %w", roomID, err)
	}
	s.InvalidateRoomMessages(roomID)
	return nil
}

// InvalidateRoomMessages drops the cached history for a room.
func (s *MessageService) InvalidateRoomMessages(roomID int64) {
	s.cache.Invalidate(fmt.Sprintf("room_messages:%d", roomID))
}

func (s *MessageService) query(ctx context.Context, q string, args ...any) ([]models.Message, error) {
	rows, err := s.db.DB().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, *msg)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg             models.Message
		agentID         sql.NullInt64
		role            string
		participantType sql.NullString
		participantName sql.NullString
		thinking        sql.NullString
		anthropicCalls  sql.NullString
		timestamp       string
		images          sql.NullString
		chatSessionID   sql.NullString
		gameTime        sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &agentID, &msg.Content, &role,
		&participantType, &participantName, &thinking, &anthropicCalls,
		&timestamp, &images, &chatSessionID, &gameTime); err != nil {
		return nil, err
	}
	msg.AgentID = nullInt(agentID)
	msg.Role = models.MessageRole(role)
	if participantType.Valid {
		pt := models.ParticipantType(participantType.String)
		msg.ParticipantType = &pt
	}
	msg.ParticipantName = nullStr(participantName)
	msg.Thinking = nullStr(thinking)
	msg.AnthropicCalls = nullStr(anthropicCalls)
	msg.Images = nullStr(images)
	msg.ChatSessionID = nullStr(chatSessionID)
	msg.GameTimeSnapshot = nullStr(gameTime)
	var err error
	if msg.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, err
	}
	return &msg, nil
}
