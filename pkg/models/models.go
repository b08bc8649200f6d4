// Package models holds the domain types shared across services, the
// orchestrator, and the API layer.
package models

import "time"

// MessageRole is the conversational role of a persisted message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ParticipantType classifies who produced a message beyond its role.
type ParticipantType string

const (
	ParticipantUser             ParticipantType = "user"
	ParticipantCharacter        ParticipantType = "character"
	ParticipantSituationBuilder ParticipantType = "situation_builder"
	ParticipantSystem           ParticipantType = "system"
)

// SkipMarker is the reserved content string persisted when an agent invokes
// its skip tool. The orchestrator relies on it to detect all-skip rounds.
const SkipMarker = "[SKIP]"

// Room is a shared conversation space owned by one user.
type Room struct {
	ID              int64      `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Name            string     `json:"name"`
	WorldID         *int64     `json:"world_id,omitempty"`
	IsPaused        bool       `json:"is_paused"`
	IsFinished      bool       `json:"is_finished"`
	MaxInteractions *int       `json:"max_interactions,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	LastReadAt      *time.Time `json:"last_read_at,omitempty"`
}

// Agent is an autonomous participant. (Name, WorldName) is unique; a nil
// WorldName marks a shared system agent.
type Agent struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	WorldName    *string   `json:"world_name,omitempty"`
	Group        *string   `json:"group,omitempty"`
	SystemPrompt string    `json:"system_prompt"`
	InANutshell  *string   `json:"in_a_nutshell,omitempty"`
	Characteristics *string `json:"characteristics,omitempty"`
	RecentEvents *string   `json:"recent_events,omitempty"`
	ProfileImage *string   `json:"profile_image,omitempty"`
	Priority     int       `json:"priority"`
	// InterruptEveryTurn agents are scheduled into every round.
	InterruptEveryTurn bool `json:"interrupt_every_turn"`
	// Transparent agents' output does not trigger peer follow-up turns.
	Transparent bool      `json:"transparent"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one persisted utterance, user or assistant.
type Message struct {
	ID              int64            `json:"id"`
	RoomID          int64            `json:"room_id"`
	AgentID         *int64           `json:"agent_id,omitempty"`
	Content         string           `json:"content"`
	Role            MessageRole      `json:"role"`
	ParticipantType *ParticipantType `json:"participant_type,omitempty"`
	ParticipantName *string          `json:"participant_name,omitempty"`
	Thinking        *string          `json:"thinking,omitempty"`
	// AnthropicCalls is a JSON array of tool-call situation strings.
	AnthropicCalls   *string    `json:"anthropic_calls,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Images           *string    `json:"images,omitempty"`
	ChatSessionID    *string    `json:"chat_session_id,omitempty"`
	GameTimeSnapshot *string    `json:"game_time_snapshot,omitempty"`
}

// IsSkip reports whether the message is the canonical skip marker.
func (m *Message) IsSkip() bool { return m.Content == SkipMarker }

// RoomAgentSession stores the LLM runtime's resume id for a (room, agent)
// pair so the next turn continues the same context without replay.
type RoomAgentSession struct {
	RoomID    int64     `json:"room_id"`
	AgentID   int64     `json:"agent_id"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}
