package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/palaver-dev/palaver/pkg/cache"
	"github.com/palaver-dev/palaver/pkg/database"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/queue"
)

const roomCacheTTL = 30 * time.Second

const roomColumns = `id, owner_id, name, world_id, is_paused, is_finished,
	max_interactions, created_at, last_activity_at, last_read_at`

// RoomService manages rooms. All mutations go through the write queue.
type RoomService struct {
	db     *database.Client
	wq     *queue.WriteQueue
	cache  *cache.Cache
	logger *slog.Logger
}

// NewRoomService creates a room service.
func NewRoomService(db *database.Client, wq *queue.WriteQueue, c *cache.Cache, logger *slog.Logger) *RoomService {
	return &RoomService{db: db, wq: wq, cache: c, logger: logger.With("service", "rooms")}
}

// CreateRoomParams are the caller-supplied fields of a new room.
type CreateRoomParams struct {
	OwnerID         string
	Name            string
	WorldID         *int64
	MaxInteractions *int
}

// Create inserts a new room. Duplicate (owner, name, world) returns
// ErrAlreadyExists.
func (s *RoomService) Create(ctx context.Context, params CreateRoomParams) (*models.Room, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if params.OwnerID == "" {
		return nil, NewValidationError("owner_id", "must not be empty")
	}

	now := time.Now()
	result, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		var maxInteractions any
		if params.MaxInteractions != nil {
			maxInteractions = *params.MaxInteractions
		}
		var worldID any
		if params.WorldID != nil {
			worldID = *params.WorldID
		}
		res, err := s.db.DB().ExecContext(ctx,
			`INSERT INTO rooms (owner_id, name, world_id, is_paused, is_finished, max_interactions, created_at, last_activity_at)
			 VALUES (?, ?, ?, 0, 0, ?, ?, ?)`,
			params.OwnerID, params.Name, worldID, maxInteractions, formatTime(now), formatTime(now))
		if err != nil {
			return nil, err
		}
		return res.LastInsertId()
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("room %q: %w", params.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating room: %w", err)
	}

	room := &models.Room{
		ID:              result.(int64),
		OwnerID:         params.OwnerID,
		Name:            params.Name,
		WorldID:         params.WorldID,
		MaxInteractions: params.MaxInteractions,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
	s.cache.Set(fmt.Sprintf("room:%d", room.ID), room, roomCacheTTL)
	return room, nil
}

// Get returns a room by id, cache-first.
func (s *RoomService) Get(ctx context.Context, id int64) (*models.Room, error) {
	key := fmt.Sprintf("room:%d", id)
	v, err := s.cache.GetOrSet(key, roomCacheTTL, func() (any, error) {
		return s.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Room), nil
}

func (s *RoomService) fetch(ctx context.Context, id int64) (*models.Room, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading room %d: %w", id, err)
	}
	return room, nil
}

// List returns rooms visible to a caller, newest activity first. Admins
// pass ownerID == "" to see everything.
func (s *RoomService) List(ctx context.Context, ownerID string) ([]models.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY last_activity_at DESC`

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning room: %w", err)
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

// UpdateRoomParams are the mutable room fields. Nil means unchanged.
type UpdateRoomParams struct {
	IsPaused        *bool
	IsFinished      *bool
	MaxInteractions *int
	LastReadAt      *time.Time
}

// Update applies a partial update.
func (s *RoomService) Update(ctx context.Context, id int64, params UpdateRoomParams) error {
	var sets []string
	var args []any
	if params.IsPaused != nil {
		sets = append(sets, "is_paused = ?")
		args = append(args, boolToInt(*params.IsPaused))
	}
	if params.IsFinished != nil {
		sets = append(sets, "is_finished = ?")
		args = append(args, boolToInt(*params.IsFinished))
	}
	if params.MaxInteractions != nil {
		sets = append(sets, "max_interactions = ?")
		args = append(args, *params.MaxInteractions)
	}
	if params.LastReadAt != nil {
		sets = append(sets, "last_read_at = ?")
		args = append(args, formatTime(*params.LastReadAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		res, err := s.db.DB().ExecContext(ctx,
			`UPDATE rooms SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("room %d: %w", id, ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(fmt.Sprintf("room:%d", id))
	return nil
}

// MarkFinished flags a room's conversation as over.
func (s *RoomService) MarkFinished(ctx context.Context, id int64) error {
	finished := true
	return s.Update(ctx, id, UpdateRoomParams{IsFinished: &finished})
}

// TouchActivity bumps last_activity_at.
func (s *RoomService) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx,
			`UPDATE rooms SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`,
			formatTime(at), id, formatTime(at))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("touching room %d: %w", id, err)
	}
	s.cache.Invalidate(fmt.Sprintf("room:%d", id))
	return nil
}

// Delete removes a room and (via FK cascade) its messages and sessions.
func (s *RoomService) Delete(ctx context.Context, id int64) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		res, err := s.db.DB().ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("room %d: %w", id, ErrNotFound)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(fmt.Sprintf("room:%d", id))
	s.cache.InvalidatePrefix(fmt.Sprintf("room_messages:%d", id))
	s.cache.Invalidate(fmt.Sprintf("room_agents:%d", id))
	s.cache.InvalidatePrefix(fmt.Sprintf("session:room_%d_", id))
	return nil
}

// ActiveCandidates returns the rooms the autonomous scheduler should
// consider: unpaused, unfinished, recently active, not world-driven.
func (s *RoomService) ActiveCandidates(ctx context.Context, window time.Duration, limit int) ([]models.Room, error) {
	cutoff := time.Now().Add(-window)
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE is_paused = 0 AND is_finished = 0 AND world_id IS NULL AND last_activity_at >= ?
		 ORDER BY last_activity_at DESC LIMIT ?`,
		formatTime(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("listing candidate rooms: %w", err)
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning candidate room: %w", err)
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var (
		room            models.Room
		worldID         sql.NullInt64
		isPaused        int
		isFinished      int
		maxInteractions sql.NullInt64
		createdAt       string
		lastActivityAt  string
		lastReadAt      sql.NullString
	)
	if err := row.Scan(&room.ID, &room.OwnerID, &room.Name, &worldID, &isPaused,
		&isFinished, &maxInteractions, &createdAt, &lastActivityAt, &lastReadAt); err != nil {
		return nil, err
	}
	room.WorldID = nullInt(worldID)
	room.IsPaused = isPaused != 0
	room.IsFinished = isFinished != 0
	if maxInteractions.Valid {
		v := int(maxInteractions.Int64)
		room.MaxInteractions = &v
	}
	var err error
	if room.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if room.LastActivityAt, err = parseTime(lastActivityAt); err != nil {
		return nil, err
	}
	if room.LastReadAt, err = parseTimePtr(lastReadAt); err != nil {
		return nil, err
	}
	return &room, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
