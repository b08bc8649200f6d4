// Package streaming holds the in-memory accumulator of partial agent output.
// One entry per in-flight (room, agent) generation; snapshots feed SSE
// catch-up and partial-response persistence on interrupt.
package streaming

import (
	"sync"

	"github.com/palaver-dev/palaver/pkg/models"
)

type entry struct {
	agentName string
	thinking  string
	response  string
	narration string
	hidden    bool
}

// Snapshot is a copy-on-read view of one entry. Hidden entries have their
// response text withheld — their visible output is emitted via another path
// (e.g. a narration tool).
type Snapshot struct {
	AgentName string
	Thinking  string
	Response  string
	Narration string
	Hidden    bool
}

// Table is the thread-safe map from TaskID to streaming entry.
type Table struct {
	mu      sync.Mutex
	entries map[models.TaskID]*entry
}

// NewTable creates an empty streaming state table.
func NewTable() *Table {
	return &Table{entries: make(map[models.TaskID]*entry)}
}

// Init creates (or resets) the entry for a task at stream start.
func (t *Table) Init(task models.TaskID, agentName string, hidden bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[task] = &entry{agentName: agentName, hidden: hidden}
}

// Update replaces the accumulated thinking and response text for a task.
// No-op when the entry was already cleared (stream raced an interrupt).
func (t *Table) Update(task models.TaskID, thinking, response string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[task]; ok {
		e.thinking = thinking
		e.response = response
	}
}

// AppendNarration appends narration text for a task.
func (t *Table) AppendNarration(task models.TaskID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[task]; ok {
		e.narration += text
	}
}

// Clear removes the entry for a task.
func (t *Table) Clear(task models.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, task)
}

// SnapshotRoom returns copies of all entries for a room, keyed by agent id.
func (t *Table) SnapshotRoom(roomID int64) map[int64]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotRoomLocked(roomID)
}

// DrainRoom snapshots a room's entries and clears them in one critical
// section, so an interrupt handler gets exactly-once possession of the
// partial text.
func (t *Table) DrainRoom(roomID int64) map[int64]Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.snapshotRoomLocked(roomID)
	for task := range t.entries {
		if task.RoomID == roomID {
			delete(t.entries, task)
		}
	}
	return snap
}

func (t *Table) snapshotRoomLocked(roomID int64) map[int64]Snapshot {
	snap := make(map[int64]Snapshot)
	for task, e := range t.entries {
		if task.RoomID != roomID {
			continue
		}
		s := Snapshot{
			AgentName: e.agentName,
			Thinking:  e.thinking,
			Narration: e.narration,
			Hidden:    e.hidden,
		}
		if !e.hidden {
			s.Response = e.response
		}
		snap[task.AgentID] = s
	}
	return snap
}
