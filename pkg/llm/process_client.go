package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// eventBuffer bounds the decoded-event channel. The generator consumes
// promptly, so this only absorbs short bursts.
const eventBuffer = 64

// ProcessClient drives the runtime as a subprocess speaking NDJSON on
// stdio. One process per conversation context; the session lives as long
// as the process does.
type ProcessClient struct {
	command []string
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	ready  bool
	wg     sync.WaitGroup
}

var _ Client = (*ProcessClient)(nil)

// NewProcessClient creates a client that will spawn the given command on
// Connect. The command is the base invocation; options are appended as
// flags.
func NewProcessClient(command []string, opts Options, logger *slog.Logger) *ProcessClient {
	return &ProcessClient{
		command: command,
		opts:    opts,
		logger:  logger.With("component", "llm_client", "model", opts.Model),
	}
}

func (c *ProcessClient) buildArgs() []string {
	args := append([]string(nil), c.command[1:]...)
	args = append(args, "--input-format", "stream-json")
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	if c.opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.opts.SystemPrompt)
	}
	if len(c.opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(c.opts.AllowedTools, ","))
	}
	if len(c.opts.MCPServers) > 0 {
		if cfg, err := json.Marshal(map[string]any{"mcpServers": c.opts.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}
	if c.opts.Resume != "" {
		args = append(args, "--resume", c.opts.Resume)
	}
	if c.opts.IncludePartialMessages {
		args = append(args, "--include-partial-messages")
	}
	return args
}

// Connect spawns the runtime process and starts the event reader.
func (c *ProcessClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	if len(c.command) == 0 {
		return fmt.Errorf("runtime command is empty")
	}

	cmd := exec.Command(c.command[0], c.buildArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening runtime stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening runtime stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting runtime: %v", ErrTransportNotReady, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.events = make(chan Event, eventBuffer)
	c.ready = true

	c.wg.Add(2)
	go c.readEvents(stdout)
	go c.readStderr(stderr)

	c.logger.Debug("runtime process started", "pid", cmd.Process.Pid)
	return nil
}

func (c *ProcessClient) readEvents(stdout io.Reader) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.ready = false
		close(c.events)
		c.mu.Unlock()
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := DecodeEvent(line)
		if err != nil {
			c.logger.Warn("skipping undecodable runtime event", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		c.events <- ev
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("runtime stdout closed with error", "error", err)
	}
}

func (c *ProcessClient) readStderr(stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("runtime stderr", "line", scanner.Text())
	}
}

// Disconnect closes stdin (letting the process exit on its own), kills it
// if needed, and waits for the readers to drain.
func (c *ProcessClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	events := c.events
	c.cmd = nil
	c.stdin = nil
	c.ready = false
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	// Drain any unread events so the reader can finish and close the
	// channel.
	if events != nil {
		go func() {
			for range events {
			}
		}()
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case <-waited:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waited
	}
	c.wg.Wait()
	return nil
}

// Interrupt asks the runtime to abandon the current turn.
func (c *ProcessClient) Interrupt(ctx context.Context) error {
	return c.writeLine(map[string]any{
		"type":    "control_request",
		"request": map[string]any{"subtype": "interrupt"},
	})
}

// IsReady reports whether the process is running and accepting input.
func (c *ProcessClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Resume returns the session id this client resumes, if any.
func (c *ProcessClient) Resume() string {
	return c.opts.Resume
}

// Query submits one user turn on stdin.
func (c *ProcessClient) Query(ctx context.Context, prompt string) error {
	return c.writeLine(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	})
}

// Events returns the decoded event stream. Closed when the process exits.
func (c *ProcessClient) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

func (c *ProcessClient) writeLine(payload map[string]any) error {
	c.mu.Lock()
	stdin := c.stdin
	ready := c.ready
	c.mu.Unlock()
	if !ready || stdin == nil {
		return ErrTransportNotReady
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding runtime input: %w", err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("writing to runtime: %w", err)
	}
	return nil
}
