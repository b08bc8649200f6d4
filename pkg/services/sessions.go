package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/queue"
)

const sessionCacheTTL = 5 * time.Minute

// SessionService stores the LLM runtime's resume ids per (room, agent).
type SessionService struct {
	db     *database.Client
	wq     *queue.WriteQueue
	cache  *cache.Cache
	logger *slog.Logger
}

// NewSessionService creates a session service.
func NewSessionService(db *database.Client, wq *queue.WriteQueue, c *cache.Cache, logger *slog.Logger) *SessionService {
	return &SessionService{db: db, wq: wq, cache: c, logger: logger.With("service", "sessions")}
}

func sessionKey(task models.TaskID) string {
	return "session:" + task.String()
}

// Get returns the stored session id, or empty when the pair has none.
func (s *SessionService) Get(ctx context.Context, roomID, agentID int64) (string, error) {
	key := sessionKey(models.TaskID{RoomID: roomID, AgentID: agentID})
	v, err := s.cache.GetOrSet(key, sessionCacheTTL, func() (any, error) {
		var sessionID string
		err := s.db.DB().QueryRowContext(ctx,
			`SELECT session_id FROM room_agent_sessions WHERE room_id = ? AND agent_id = ?`,
			roomID, agentID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading session for room %d agent %d: %w", roomID, agentID, err)
		}
		return sessionID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Save upserts the session id for a (room, agent) pair.
func (s *SessionService) Save(ctx context.Context, roomID, agentID int64, sessionID string) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx,
			`INSERT INTO room_agent_sessions (room_id, agent_id, session_id, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (room_id, agent_id) DO UPDATE SET session_id = excluded.session_id,
			   updated_at = excluded.updated_at`,
			roomID, agentID, sessionID, formatTime(time.Now()))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("saving session for room %d agent %d: %w", roomID, agentID, err)
	}
	s.cache.Set(sessionKey(models.TaskID{RoomID: roomID, AgentID: agentID}), sessionID, sessionCacheTTL)
	return nil
}

// Delete drops the stored session for a pair, forcing a fresh runtime
// context next turn.
func (s *SessionService) Delete(ctx context.Context, roomID, agentID int64) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx,
			`DELETE FROM room_agent_sessions WHERE room_id = ? AND agent_id = ?`,
			roomID, agentID)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("deleting session for room %d agent %d: %w", roomID, agentID, err)
	}
	s.cache.Invalidate(sessionKey(models.TaskID{RoomID: roomID, AgentID: agentID}))
	return nil
}
