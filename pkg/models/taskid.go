package models

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskID identifies one (room, agent) generation slot. It is the key for
// both the client pool and the streaming state table.
type TaskID struct {
	RoomID  int64
	AgentID int64
}

// String renders the canonical "room_{n}_agent_{m}" form.
func (t TaskID) String() string {
	return fmt.Sprintf("room_%d_agent_%d", t.RoomID, t.AgentID)
}

// ParseTaskID parses the canonical "room_{n}_agent_{m}" form.
func ParseTaskID(s string) (TaskID, error) {
	rest, ok := strings.CutPrefix(s, "room_")
	if !ok {
		return TaskID{}, fmt.Errorf("invalid task id %q", s)
	}
	roomPart, agentPart, ok := strings.Cut(rest, "_agent_")
	if !ok {
		return TaskID{}, fmt.Errorf("invalid task id %q", s)
	}
	roomID, err := strconv.ParseInt(roomPart, 10, 64)
	if err != nil {
		return TaskID{}, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	agentID, err := strconv.ParseInt(agentPart, 10, 64)
	if err != nil {
		return TaskID{}, fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return TaskID{RoomID: roomID, AgentID: agentID}, nil
}
