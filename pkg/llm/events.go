// Package llm talks to the external LLM runtime. The runtime is an opaque
// streaming peer: we submit a turn and consume a typed event stream until a
// result message arrives.
package llm

import "encoding/json"

// Event is the closed set of runtime events. Concrete types:
// StreamEvent, AssistantMessage, SystemMessage, ResultMessage.
type Event interface {
	isEvent()
}

// Delta subtypes inside a content_block_delta stream event.
const (
	DeltaText     = "text_delta"
	DeltaThinking = "thinking_delta"
)

// StreamEvent is a partial-output event. Only content_block_delta events
// carry text; everything else has an empty Delta.
type StreamEvent struct {
	Delta Delta
}

// Delta is one increment of streamed text.
type Delta struct {
	Type string
	Text string
}

// ContentBlock is one block of a complete assistant message. Exactly one
// of the pointer fields is set.
type ContentBlock struct {
	Text     *TextBlock
	Thinking *ThinkingBlock
	ToolUse  *ToolUseBlock
}

type TextBlock struct {
	Text string
}

type ThinkingBlock struct {
	Thinking string
}

// ToolUseBlock is a tool invocation by the model. Input is the raw
// argument object.
type ToolUseBlock struct {
	Name  string
	Input map[string]any
}

// AssistantMessage is the complete message the runtime assembled from the
// stream. Arrives once per turn, after the deltas.
type AssistantMessage struct {
	Blocks []ContentBlock
}

// SystemMessage carries runtime metadata, notably the session id to resume
// with on the next turn.
type SystemMessage struct {
	SessionID string
}

// Usage is the token accounting attached to a result message.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultMessage terminates a turn.
type ResultMessage struct {
	Usage            *Usage
	StructuredOutput json.RawMessage
	IsError          bool
}

func (StreamEvent) isEvent()      {}
func (AssistantMessage) isEvent() {}
func (SystemMessage) isEvent()    {}
func (ResultMessage) isEvent()    {}
