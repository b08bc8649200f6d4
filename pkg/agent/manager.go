package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/models"
	"github.com/palaver-dev/palaver/pkg/streaming"
)

// Manager owns the client pool, the streaming state table, and the set of
// clients currently generating. Interruption goes through here.
type Manager struct {
	Pool      *Pool
	Streaming *streaming.Table
	logger    *slog.Logger

	mu     sync.Mutex
	active map[models.TaskID]llm.Client
}

// NewManager creates a manager around an existing pool and streaming table.
func NewManager(pool *Pool, table *streaming.Table, logger *slog.Logger) *Manager {
	return &Manager{
		Pool:      pool,
		Streaming: table,
		logger:    logger.With("component", "agent_manager"),
		active:    make(map[models.TaskID]llm.Client),
	}
}

// RegisterActive records a client as generating so interrupts can reach it.
func (m *Manager) RegisterActive(task models.TaskID, client llm.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[task] = client
}

// DeregisterActive removes a client from the active set.
func (m *Manager) DeregisterActive(task models.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, task)
}

// ActiveCount returns the number of in-flight generations.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// InterruptRoom signals every active client in a room to stop generating.
// The pool is untouched: sessions stay reusable for the next turn.
func (m *Manager) InterruptRoom(ctx context.Context, roomID int64) {
	m.interrupt(ctx, func(task models.TaskID) bool { return task.RoomID == roomID })
}

// InterruptAll signals every active client to stop generating.
func (m *Manager) InterruptAll(ctx context.Context) {
	m.interrupt(ctx, func(models.TaskID) bool { return true })
}

func (m *Manager) interrupt(ctx context.Context, match func(models.TaskID) bool) {
	m.mu.Lock()
	targets := make(map[models.TaskID]llm.Client)
	for task, client := range m.active {
		if match(task) {
			targets[task] = client
			delete(m.active, task)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for task, client := range targets {
		wg.Add(1)
		go func(task models.TaskID, client llm.Client) {
			defer wg.Done()
			if err := client.Interrupt(ctx); err != nil {
				m.logger.Warn("interrupt failed", "task", task.String(), "error", err)
			}
		}(task, client)
	}
	wg.Wait()
}
