package llm

import (
	"context"
	"errors"
	"strings"
)

// ErrTransportNotReady marks connect failures worth retrying. Anything
// else propagates immediately.
var ErrTransportNotReady = errors.New("transport is not ready")

// IsTransportNotReady reports whether an error is a transient transport
// failure. Matches both our sentinel and the runtime's own phrasing.
func IsTransportNotReady(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportNotReady) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "transport is not ready") ||
		strings.Contains(msg, "connection refused")
}

// Client is one long-lived conversation context with the LLM runtime.
// Not re-entrant: callers serialize turns with the pool's usage mutex.
type Client interface {
	// Connect establishes the runtime session.
	Connect(ctx context.Context) error
	// Disconnect tears the session down. Idempotent.
	Disconnect(ctx context.Context) error
	// Interrupt asks the runtime to stop generating the current turn.
	Interrupt(ctx context.Context) error
	// IsReady reports whether the client can accept a query.
	IsReady() bool
	// Resume returns the session id this client was created to resume,
	// or empty for a fresh session.
	Resume() string
	// Query submits one turn.
	Query(ctx context.Context, prompt string) error
	// Events returns the stream of typed events for the current turn.
	// The channel closes when the turn ends or the client disconnects.
	Events() <-chan Event
}
