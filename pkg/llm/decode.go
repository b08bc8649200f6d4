package llm

import (
	"encoding/json"
	"fmt"
)

// Wire shapes for the runtime's NDJSON protocol. One JSON object per line;
// the top-level "type" field selects the variant.

type wireEnvelope struct {
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Result    json.RawMessage `json:"structured_output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Thinking string `json:"thinking"`
	} `json:"delta"`
}

type wireContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
}

type wireMessage struct {
	Content []wireContentBlock `json:"content"`
}

// DecodeEvent parses one NDJSON line into a typed event. Unknown top-level
// types decode to (nil, nil) so the protocol can grow without breaking us.
func DecodeEvent(line []byte) (Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding runtime event: %w", err)
	}

	switch env.Type {
	case "stream_event":
		var we wireStreamEvent
		if err := json.Unmarshal(env.Event, &we); err != nil {
			return nil, fmt.Errorf("decoding stream event: %w", err)
		}
		ev := StreamEvent{}
		if we.Type == "content_block_delta" {
			ev.Delta.Type = we.Delta.Type
			switch we.Delta.Type {
			case DeltaText:
				ev.Delta.Text = we.Delta.Text
			case DeltaThinking:
				ev.Delta.Text = we.Delta.Thinking
			}
		}
		return ev, nil

	case "assistant":
		var wm wireMessage
		if err := json.Unmarshal(env.Message, &wm); err != nil {
			return nil, fmt.Errorf("decoding assistant message: %w", err)
		}
		msg := AssistantMessage{}
		for _, b := range wm.Content {
			switch b.Type {
			case "text":
				msg.Blocks = append(msg.Blocks, ContentBlock{Text: &TextBlock{Text: b.Text}})
			case "thinking":
				msg.Blocks = append(msg.Blocks, ContentBlock{Thinking: &ThinkingBlock{Thinking: b.Thinking}})
			case "tool_use":
				msg.Blocks = append(msg.Blocks, ContentBlock{ToolUse: &ToolUseBlock{Name: b.Name, Input: b.Input}})
			}
		}
		return msg, nil

	case "system":
		return SystemMessage{SessionID: env.SessionID}, nil

	case "result":
		return ResultMessage{Usage: env.Usage, StructuredOutput: env.Result, IsError: env.IsError}, nil
	}

	return nil, nil
}
