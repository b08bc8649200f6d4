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

const agentCacheTTL = 60 * time.Second

const agentColumns = `id, name, world_name, group_tag, system_prompt, in_a_nutshell,
	characteristics, recent_events, profile_image, priority, interrupt_every_turn,
	transparent, created_at`

// AgentService manages the agent roster and room membership.
type AgentService struct {
	db     *database.Client
	wq     *queue.WriteQueue
	cache  *cache.Cache
	logger *slog.Logger
}

// NewAgentService creates an agent service.
func NewAgentService(db *database.Client, wq *queue.WriteQueue, c *cache.Cache, logger *slog.Logger) *AgentService {
	return &AgentService{db: db, wq: wq, cache: c, logger: logger.With("service", "agents")}
}

// CreateAgentParams are the caller-supplied fields of a new agent.
type CreateAgentParams struct {
	Name               string
	WorldName          *string
	Group              *string
	SystemPrompt       string
	InANutshell        *string
	Characteristics    *string
	RecentEvents       *string
	ProfileImage       *string
	Priority           int
	InterruptEveryTurn bool
	Transparent        bool
}

// Create inserts an agent. Duplicate (name, world) returns
// ErrAlreadyExists.
func (s *AgentService) Create(ctx context.Context, params CreateAgentParams) (*models.Agent, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, NewValidationError("name", "must not be empty")
	}
	if strings.TrimSpace(params.SystemPrompt) == "" {
		return nil, NewValidationError("system_prompt", "must not be empty")
	}

	now := time.Now()
	result, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		res, err := s.db.DB().ExecContext(ctx,
			`INSERT INTO agents (name, world_name, group_tag, system_prompt, in_a_nutshell,
			   characteristics, recent_events, profile_image, priority, interrupt_every_turn,
			   transparent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			params.Name, ptrArg(params.WorldName), ptrArg(params.Group), params.SystemPrompt,
			ptrArg(params.InANutshell), ptrArg(params.Characteristics), ptrArg(params.RecentEvents),
			ptrArg(params.ProfileImage), params.Priority, boolToInt(params.InterruptEveryTurn),
			boolToInt(params.Transparent), formatTime(now))
		if err != nil {
			return nil, err
		}
		return res.LastInsertId()
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("agent %q: %w", params.Name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	return &models.Agent{
		ID:                 result.(int64),
		Name:               params.Name,
		WorldName:          params.WorldName,
		Group:              params.Group,
		SystemPrompt:       params.SystemPrompt,
		InANutshell:        params.InANutshell,
		Characteristics:    params.Characteristics,
		RecentEvents:       params.RecentEvents,
		ProfileImage:       params.ProfileImage,
		Priority:           params.Priority,
		InterruptEveryTurn: params.InterruptEveryTurn,
		Transparent:        params.Transparent,
		CreatedAt:          now,
	}, nil
}

// Get returns one agent by id.
func (s *AgentService) Get(ctx context.Context, id int64) (*models.Agent, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %d: %w", id, err)
	}
	return agent, nil
}

// List returns all agents.
func (s *AgentService) List(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListForRoom returns a room's roster in insertion (joined_at) order,
// cache-first. Insertion order matters: it breaks priority ties in the
// turn scheduler.
func (s *AgentService) ListForRoom(ctx context.Context, roomID int64) ([]models.Agent, error) {
	key := fmt.Sprintf("room_agents:%d", roomID)
	v, err := s.cache.GetOrSet(key, agentCacheTTL, func() (any, error) {
		rows, err := s.db.DB().QueryContext(ctx,
			`SELECT `+qualifyAgentColumns("a")+`
			 FROM agents a JOIN room_agents ra ON ra.agent_id = a.id
			 WHERE ra.room_id = ?
			 ORDER BY ra.joined_at, a.id`, roomID)
		if err != nil {
			return nil, fmt.Errorf("listing room %d agents: %w", roomID, err)
		}
		defer rows.Close()
		return collectAgents(rows)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Agent), nil
}

// AddToRoom joins an agent to a room. Adding twice is a no-op.
func (s *AgentService) AddToRoom(ctx context.Context, roomID, agentID int64) error {
	if _, err := s.Get(ctx, agentID); err != nil {
		return err
	}
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx,
			`INSERT OR IGNORE INTO room_agents (room_id, agent_id, joined_at) VALUES (?, ?, ?)`,
			roomID, agentID, formatTime(time.Now()))
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("adding agent %d to room %d: %w", agentID, roomID, err)
	}
	s.cache.Invalidate(fmt.Sprintf("room_agents:%d", roomID))
	return nil
}

// RemoveFromRoom detaches an agent from a room.
func (s *AgentService) RemoveFromRoom(ctx context.Context, roomID, agentID int64) error {
	_, err := s.wq.Enqueue(ctx, func(ctx context.Context) (any, error) {
		_, err := s.db.DB().ExecContext(ctx,
			`DELETE FROM room_agents WHERE room_id = ? AND agent_id = ?`, roomID, agentID)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("removing agent %d from room %d: %w", agentID, roomID, err)
	}
	s.cache.Invalidate(fmt.Sprintf("room_agents:%d", roomID))
	return nil
}

func qualifyAgentColumns(alias string) string {
	cols := strings.Split(agentColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func collectAgents(rows *sql.Rows) ([]models.Agent, error) {
	var out []models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, *agent)
	}
	return out, rows.Err()
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		agent              models.Agent
		worldName          sql.NullString
		group              sql.NullString
		nutshell           sql.NullString
		characteristics    sql.NullString
		recentEvents       sql.NullString
		profileImage       sql.NullString
		interruptEveryTurn int
		transparent        int
		createdAt          string
	)
	if err := row.Scan(&agent.ID, &agent.Name, &worldName, &group, &agent.SystemPrompt,
		&nutshell, &characteristics, &recentEvents, &profileImage, &agent.Priority,
		&interruptEveryTurn, &transparent, &createdAt); err != nil {
		return nil, err
	}
	agent.WorldName = nullStr(worldName)
	agent.Group = nullStr(group)
	agent.InANutshell = nullStr(nutshell)
	agent.Characteristics = nullStr(characteristics)
	agent.RecentEvents = nullStr(recentEvents)
	agent.ProfileImage = nullStr(profileImage)
	agent.InterruptEveryTurn = interruptEveryTurn != 0
	agent.Transparent = transparent != 0
	var err error
	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &agent, nil
}

func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
