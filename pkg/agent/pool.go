package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/palaver-dev/palaver/pkg/llm"
	"github.com/palaver-dev/palaver/pkg/models"
)

// disconnectGrace lets in-flight reads drain before a replaced client's
// process is torn down.
const disconnectGrace = 500 * time.Millisecond

// connectRetrySchedule backs off between connect attempts on transient
// transport failures.
var connectRetrySchedule = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// ClientFactory constructs a runtime client for the given options.
type ClientFactory func(opts llm.Options) llm.Client

type poolEntry struct {
	client     llm.Client
	configHash string
	usageMu    *sync.Mutex
}

// Pool keeps one long-lived runtime client per (room, agent). A client is
// reused while its configuration hash and resume session are unchanged;
// otherwise it is replaced and the old one disconnected in the background.
type Pool struct {
	factory ClientFactory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[models.TaskID]*poolEntry
	// creating serializes construction per task so two callers racing on
	// the same task build at most one client.
	creating map[models.TaskID]*sync.Mutex

	disconnects sync.WaitGroup
}

// NewPool creates a pool backed by the given client factory.
func NewPool(factory ClientFactory, logger *slog.Logger) *Pool {
	return &Pool{
		factory:  factory,
		logger:   logger.With("component", "client_pool"),
		entries:  make(map[models.TaskID]*poolEntry),
		creating: make(map[models.TaskID]*sync.Mutex),
	}
}

// GetOrCreate returns the pooled client for a task, creating or replacing
// it as needed. The returned mutex serializes turns on the client; hold it
// for the lifetime of the turn.
func (p *Pool) GetOrCreate(ctx context.Context, task models.TaskID, opts llm.Options) (llm.Client, bool, *sync.Mutex, error) {
	configHash := opts.ConfigHash()

	p.mu.Lock()
	if entry, ok := p.entries[task]; ok {
		if entry.configHash == configHash && entry.client.Resume() == opts.Resume {
			p.mu.Unlock()
			return entry.client, false, entry.usageMu, nil
		}
		// Stale: evict now, disconnect later so an in-flight consumer can
		// finish reading.
		delete(p.entries, task)
		p.scheduleDisconnect(task, entry.client)
	}
	createMu, ok := p.creating[task]
	if !ok {
		createMu = &sync.Mutex{}
		p.creating[task] = createMu
	}
	p.mu.Unlock()

	createMu.Lock()
	defer createMu.Unlock()

	// Another caller may have finished creating while we waited. A racer's
	// entry with a different configuration is evicted like any stale one,
	// or its client would leak when overwritten below.
	p.mu.Lock()
	if entry, ok := p.entries[task]; ok {
		if entry.configHash == configHash && entry.client.Resume() == opts.Resume {
			p.mu.Unlock()
			return entry.client, false, entry.usageMu, nil
		}
		delete(p.entries, task)
		p.scheduleDisconnect(task, entry.client)
	}
	p.mu.Unlock()

	client := p.factory(opts)
	if err := p.connectWithRetry(ctx, task, client); err != nil {
		return nil, false, nil, err
	}

	entry := &poolEntry{client: client, configHash: configHash, usageMu: &sync.Mutex{}}
	p.mu.Lock()
	p.entries[task] = entry
	p.mu.Unlock()

	p.logger.Info("created runtime client", "task", task.String(), "resumed", opts.Resume != "")
	return client, true, entry.usageMu, nil
}

func (p *Pool) connectWithRetry(ctx context.Context, task models.TaskID, client llm.Client) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = client.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		if !llm.IsTransportNotReady(lastErr) {
			return fmt.Errorf("connecting runtime client for %s: %w", task.String(), lastErr)
		}
		if attempt >= len(connectRetrySchedule) {
			break
		}
		p.logger.Warn("runtime transport not ready, retrying",
			"task", task.String(), "attempt", attempt+1, "error", lastErr)
		select {
		case <-time.After(connectRetrySchedule[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("connecting runtime client for %s: retries exhausted: %w", task.String(), lastErr)
}

// scheduleDisconnect tears the client down after a short grace period.
// Caller holds p.mu.
func (p *Pool) scheduleDisconnect(task models.TaskID, client llm.Client) {
	p.disconnects.Add(1)
	go func() {
		defer p.disconnects.Done()
		time.Sleep(disconnectGrace)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(ctx); err != nil {
			p.logger.Warn("background disconnect failed", "task", task.String(), "error", err)
		}
	}()
}

// Cleanup evicts and disconnects one task's client.
func (p *Pool) Cleanup(task models.TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[task]; ok {
		delete(p.entries, task)
		delete(p.creating, task)
		p.scheduleDisconnect(task, entry.client)
	}
}

// CleanupRoom evicts every client belonging to a room.
func (p *Pool) CleanupRoom(roomID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for task, entry := range p.entries {
		if task.RoomID == roomID {
			delete(p.entries, task)
			delete(p.creating, task)
			p.scheduleDisconnect(task, entry.client)
		}
	}
}

// KeysForAgent lists the tasks holding a client for the given agent.
func (p *Pool) KeysForAgent(agentID int64) []models.TaskID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []models.TaskID
	for task := range p.entries {
		if task.AgentID == agentID {
			keys = append(keys, task)
		}
	}
	return keys
}

// Size returns the number of pooled clients.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ShutdownAll disconnects every client and waits for all pending
// background disconnects to finish.
func (p *Pool) ShutdownAll(ctx context.Context) {
	p.mu.Lock()
	for task, entry := range p.entries {
		delete(p.entries, task)
		client := entry.client
		taskCopy := task
		p.disconnects.Add(1)
		go func() {
			defer p.disconnects.Done()
			if err := client.Disconnect(ctx); err != nil {
				p.logger.Warn("shutdown disconnect failed", "task", taskCopy.String(), "error", err)
			}
		}()
	}
	p.creating = make(map[models.TaskID]*sync.Mutex)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.disconnects.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out waiting for disconnects")
	}
}
