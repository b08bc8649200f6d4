package events

// SSE event type discriminators. Every payload carries one of these in its
// "type" field so clients can switch without inspecting the rest.
const (
	TypeConnected     = "connected"
	TypeCatchUp       = "catch_up"
	TypeStreamStart   = "stream_start"
	TypeContentDelta  = "content_delta"
	TypeThinkingDelta = "thinking_delta"
	TypeStreamEnd     = "stream_end"
	TypeNewMessage    = "new_message"
	TypeKeepalive     = "keepalive"
)

// Connected is sent once immediately after a subscriber attaches.
type Connected struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// CatchUp replays one in-flight generation to a late subscriber. One event
// per streaming agent in the room.
type CatchUp struct {
	Type         string `json:"type"`
	RoomID       int64  `json:"room_id"`
	AgentID      int64  `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	ThinkingText string `json:"thinking_text"`
	ResponseText string `json:"response_text"`
}

// StreamStart announces that an agent began generating. TempID lets clients
// correlate the in-flight stream with the eventual persisted message.
type StreamStart struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	RoomID    int64  `json:"room_id"`
	AgentID   int64  `json:"agent_id"`
	AgentName string `json:"agent_name"`
	TempID    string `json:"temp_id"`
}

// ContentDelta carries an increment of visible response text plus the full
// accumulated string, so subscribers can resync cheaply.
type ContentDelta struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	RoomID      int64  `json:"room_id"`
	AgentID     int64  `json:"agent_id"`
	Delta       string `json:"delta"`
	Accumulated string `json:"accumulated"`
}

// ThinkingDelta carries an increment of thinking text.
type ThinkingDelta struct {
	Type        string `json:"type"`
	TaskID      string `json:"task_id"`
	RoomID      int64  `json:"room_id"`
	AgentID     int64  `json:"agent_id"`
	Delta       string `json:"delta"`
	Accumulated string `json:"accumulated"`
}

// StreamEnd closes a generation. Skipped covers declines and cancellations;
// Error marks turns aborted by a runtime failure.
type StreamEnd struct {
	Type         string `json:"type"`
	TaskID       string `json:"task_id"`
	RoomID       int64  `json:"room_id"`
	AgentID      int64  `json:"agent_id"`
	Skipped      bool   `json:"skipped"`
	ResponseText string `json:"response_text"`
	ThinkingText string `json:"thinking_text"`
	SessionID    string `json:"session_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// NewMessage announces a persisted message. The full record is included so
// clients can append without refetching history.
type NewMessage struct {
	Type    string `json:"type"`
	RoomID  int64  `json:"room_id"`
	Message any    `json:"message"`
}

// Keepalive is a periodic no-op frame that keeps intermediaries from
// closing idle connections.
type Keepalive struct {
	Type string `json:"type"`
}
