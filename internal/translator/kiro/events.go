package kiro

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// StopReason values surfaced on message_delta / unary responses.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Usage is the token accounting attached to message_start and message_delta.
type Usage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

// NewMessageID returns a fresh Claude-style message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ClaudeStream converts parser events into ordered Claude SSE chunk objects.
// The first text token opens a text block at index 0; each tool use opens
// its own subsequent block.
type ClaudeStream struct {
	messageID  string
	model      string
	nextIndex  int
	textIndex  int
	toolIndex  int
	toolOpen   bool
	sawToolUse bool
	started    bool
}

// NewClaudeStream prepares a stream translator for one response.
func NewClaudeStream(model string) *ClaudeStream {
	return &ClaudeStream{
		messageID: NewMessageID(),
		model:     model,
		textIndex: -1,
		toolIndex: -1,
	}
}

// MessageID exposes the identifier used across this stream's frames.
func (s *ClaudeStream) MessageID() string { return s.messageID }

// Begin emits the message_start frame. Repeat calls are no-ops.
func (s *ClaudeStream) Begin(usage Usage) []map[string]any {
	if s.started {
		return nil
	}
	s.started = true
	return []map[string]any{{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	}}
}

// OnEvent translates one parser event into zero or more SSE chunk objects.
func (s *ClaudeStream) OnEvent(ev Event) []map[string]any {
	switch ev.Type {
	case EventContent:
		text, _ := ev.Data["content"].(string)
		if text == "" {
			return nil
		}
		var out []map[string]any
		if s.textIndex == -1 {
			s.textIndex = s.nextIndex
			s.nextIndex++
			out = append(out, map[string]any{
				"type":          "content_block_start",
				"index":         s.textIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			})
		}
		out = append(out, map[string]any{
			"type":  "content_block_delta",
			"index": s.textIndex,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
		return out

	case EventToolUse:
		var out []map[string]any
		if s.toolOpen {
			out = append(out, s.closeTool())
		}
		name, _ := ev.Data["name"].(string)
		id, _ := ev.Data["toolUseId"].(string)
		s.toolIndex = s.nextIndex
		s.nextIndex++
		s.toolOpen = true
		s.sawToolUse = true
		out = append(out, map[string]any{
			"type":  "content_block_start",
			"index": s.toolIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    id,
				"name":  name,
				"input": map[string]any{},
			},
		})
		if frag, ok := ev.Data["input"].(string); ok && frag != "" {
			out = append(out, s.inputDelta(frag))
		}
		return out

	case EventToolUseInput:
		if !s.toolOpen {
			return nil
		}
		frag, _ := ev.Data["input"].(string)
		if frag == "" {
			return nil
		}
		return []map[string]any{s.inputDelta(frag)}

	case EventToolUseStop:
		if !s.toolOpen {
			return nil
		}
		return []map[string]any{s.closeTool()}
	}
	return nil
}

// End closes any open blocks and emits message_delta plus message_stop.
func (s *ClaudeStream) End(usage Usage) []map[string]any {
	var out []map[string]any
	if s.toolOpen {
		out = append(out, s.closeTool())
	}
	if s.textIndex != -1 {
		out = append(out, map[string]any{
			"type":  "content_block_stop",
			"index": s.textIndex,
		})
		s.textIndex = -1
	}
	stopReason := StopEndTurn
	if s.sawToolUse {
		stopReason = StopToolUse
	}
	out = append(out,
		map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": usage,
		},
		map[string]any{"type": "message_stop"},
	)
	return out
}

func (s *ClaudeStream) inputDelta(fragment string) map[string]any {
	return map[string]any{
		"type":  "content_block_delta",
		"index": s.toolIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": fragment},
	}
}

func (s *ClaudeStream) closeTool() map[string]any {
	frame := map[string]any{
		"type":  "content_block_stop",
		"index": s.toolIndex,
	}
	s.toolOpen = false
	return frame
}

// ErrorChunk is the Claude-shaped error object carried on SSE error frames
// and non-streaming error bodies.
func ErrorChunk(kind, message string) map[string]any {
	return map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    kind,
			"message": message,
		},
	}
}

// AggregateEvents folds a complete parser event sequence into the assembled
// text plus finished tool-use blocks, for unary responses.
func AggregateEvents(events []Event) (string, []map[string]any) {
	var text strings.Builder
	var blocks []map[string]any
	var curID, curName string
	var curInput strings.Builder
	open := false

	flush := func() {
		if !open {
			return
		}
		var input any = map[string]any{}
		if raw := strings.TrimSpace(curInput.String()); raw != "" {
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				input = parsed
			}
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    curID,
			"name":  curName,
			"input": input,
		})
		curInput.Reset()
		open = false
	}

	for _, ev := range events {
		switch ev.Type {
		case EventContent:
			if t, ok := ev.Data["content"].(string); ok {
				text.WriteString(t)
			}
		case EventToolUse:
			flush()
			curID, _ = ev.Data["toolUseId"].(string)
			curName, _ = ev.Data["name"].(string)
			open = true
			if frag, ok := ev.Data["input"].(string); ok {
				curInput.WriteString(frag)
			}
		case EventToolUseInput:
			if open {
				if frag, ok := ev.Data["input"].(string); ok {
					curInput.WriteString(frag)
				}
			}
		case EventToolUseStop:
			flush()
		}
	}
	flush()
	return text.String(), blocks
}

// BuildMessageResponse assembles the unary Claude Messages response. Bracket
// tool calls recovered from the text are appended after streamed tool uses.
func BuildMessageResponse(model string, events []Event, usage Usage) map[string]any {
	text, toolBlocks := AggregateEvents(events)
	cleaned, recovered := RecoverBracketToolCalls(text)
	for _, call := range recovered {
		var input any = map[string]any{}
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			input = map[string]any{}
		}
		toolBlocks = append(toolBlocks, map[string]any{
			"type":  "tool_use",
			"id":    call.ID,
			"name":  call.Name,
			"input": input,
		})
	}

	content := make([]map[string]any, 0, len(toolBlocks)+1)
	if cleaned != "" {
		content = append(content, map[string]any{"type": "text", "text": cleaned})
	}
	content = append(content, toolBlocks...)

	stopReason := StopEndTurn
	if len(toolBlocks) > 0 {
		stopReason = StopToolUse
	}
	return map[string]any{
		"id":            NewMessageID(),
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       content,
		"stop_reason":   stopReason,
		"stop_sequence": nil,
		"usage":         usage,
	}
}
