// Package agent turns runtime event streams into persisted conversation
// turns: client pooling, stream parsing, prompt construction, and the
// response generator that ties them together.
package agent

import (
	"encoding/json"
	"strings"

	"github.com/palaver-dev/palaver/pkg/llm"
)

// Tool-name suffixes with conversation-level meaning.
const (
	toolSuffixSkip      = "__skip"
	toolSuffixMemorize  = "__memorize"
	toolSuffixAnthropic = "__anthropic"
)

// ParsedEvent is the fold state after applying one runtime event.
// Response and Thinking carry the full accumulated strings.
type ParsedEvent struct {
	Response         string
	Thinking         string
	SessionID        string
	SkipUsed         bool
	MemoryEntries    []string
	AnthropicCalls   []string
	StructuredOutput json.RawMessage
	Usage            *llm.Usage
	IsError          bool
}

// ParseEvent folds one runtime event over the accumulated response and
// thinking text. Stateless; the caller threads the accumulator through.
func ParseEvent(ev llm.Event, priorResponse, priorThinking string) ParsedEvent {
	out := ParsedEvent{Response: priorResponse, Thinking: priorThinking}

	switch e := ev.(type) {
	case llm.StreamEvent:
		switch e.Delta.Type {
		case llm.DeltaText:
			out.Response += e.Delta.Text
		case llm.DeltaThinking:
			out.Thinking += e.Delta.Text
		}

	case llm.AssistantMessage:
		for _, block := range e.Blocks {
			switch {
			case block.Text != nil:
				out.Response += block.Text.Text
			case block.Thinking != nil:
				out.Thinking += block.Thinking.Thinking
			case block.ToolUse != nil:
				applyToolUse(&out, block.ToolUse)
			}
		}

	case llm.SystemMessage:
		out.SessionID = e.SessionID

	case llm.ResultMessage:
		out.Usage = e.Usage
		out.StructuredOutput = e.StructuredOutput
		out.IsError = e.IsError
	}

	return out
}

func applyToolUse(out *ParsedEvent, tu *llm.ToolUseBlock) {
	switch {
	case strings.HasSuffix(tu.Name, toolSuffixSkip):
		out.SkipUsed = true
	case strings.HasSuffix(tu.Name, toolSuffixMemorize):
		if entry, ok := tu.Input["memory_entry"].(string); ok && entry != "" {
			out.MemoryEntries = append(out.MemoryEntries, entry)
		}
	case strings.HasSuffix(tu.Name, toolSuffixAnthropic):
		if situation, ok := tu.Input["situation"].(string); ok && situation != "" {
			out.AnthropicCalls = append(out.AnthropicCalls, situation)
		}
	}
}
