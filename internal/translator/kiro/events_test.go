package kiro_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirogate/kirogate/internal/translator/kiro"
)

func contentEvent(text string) kiro.Event {
	return kiro.Event{Type: kiro.EventContent, Data: map[string]any{"content": text}}
}

func TestClaudeStream_TextOnly(t *testing.T) {
	s := kiro.NewClaudeStream("claude-sonnet-4-5")

	var frames []map[string]any
	frames = append(frames, s.Begin(kiro.Usage{InputTokens: 10})...)
	frames = append(frames, s.OnEvent(contentEvent("Hello"))...)
	frames = append(frames, s.OnEvent(contentEvent(" world"))...)
	frames = append(frames, s.End(kiro.Usage{InputTokens: 10, OutputTokens: 2})...)

	var types []string
	for _, frame := range frames {
		types = append(types, frame["type"].(string))
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	// The text block opens at index 0.
	assert.Equal(t, 0, frames[1]["index"])
	delta := frames[2]["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])

	md := frames[5]["delta"].(map[string]any)
	assert.Equal(t, "end_turn", md["stop_reason"])
}

func TestClaudeStream_BeginOnce(t *testing.T) {
	s := kiro.NewClaudeStream("claude-sonnet-4-5")

	first := s.Begin(kiro.Usage{InputTokens: 3})
	require.Len(t, first, 1)
	assert.Empty(t, s.Begin(kiro.Usage{InputTokens: 3}), "repeat Begin must not emit a second message_start")
}

func TestClaudeStream_ToolUse(t *testing.T) {
	s := kiro.NewClaudeStream("claude-sonnet-4-5")

	var frames []map[string]any
	frames = append(frames, s.Begin(kiro.Usage{})...)
	frames = append(frames, s.OnEvent(contentEvent("Checking "))...)
	frames = append(frames, s.OnEvent(kiro.Event{
		Type: kiro.EventToolUse,
		Data: map[string]any{"name": "get_time", "toolUseId": "tool-1"},
	})...)
	frames = append(frames, s.OnEvent(kiro.Event{
		Type: kiro.EventToolUseInput,
		Data: map[string]any{"input": `{"tz":"UTC"}`},
	})...)
	frames = append(frames, s.OnEvent(kiro.Event{
		Type: kiro.EventToolUseStop,
		Data: map[string]any{"stop": true},
	})...)
	frames = append(frames, s.End(kiro.Usage{})...)

	var types []string
	for _, frame := range frames {
		types = append(types, frame["type"].(string))
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text at 0
		"content_block_delta",
		"content_block_start", // tool_use at 1
		"content_block_delta", // input_json_delta
		"content_block_stop",  // tool block
		"content_block_stop",  // text block
		"message_delta",
		"message_stop",
	}, types)

	toolStart := frames[3]
	assert.Equal(t, 1, toolStart["index"])
	block := toolStart["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "get_time", block["name"])
	assert.Equal(t, "tool-1", block["id"])

	inputDelta := frames[4]["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", inputDelta["type"])
	assert.Equal(t, `{"tz":"UTC"}`, inputDelta["partial_json"])

	md := frames[7]["delta"].(map[string]any)
	assert.Equal(t, "tool_use", md["stop_reason"])
}

func TestBuildMessageResponse(t *testing.T) {
	t.Run("Text_And_Streamed_Tool", func(t *testing.T) {
		events := []kiro.Event{
			contentEvent("Working on it. "),
			{Type: kiro.EventToolUse, Data: map[string]any{"name": "lookup", "toolUseId": "tool-9"}},
			{Type: kiro.EventToolUseInput, Data: map[string]any{"input": `{"q":`}},
			{Type: kiro.EventToolUseInput, Data: map[string]any{"input": `"go"}`}},
			{Type: kiro.EventToolUseStop, Data: map[string]any{"stop": true}},
		}
		resp := kiro.BuildMessageResponse("claude-sonnet-4-5", events, kiro.Usage{InputTokens: 5, OutputTokens: 7})

		assert.Equal(t, "message", resp["type"])
		assert.Equal(t, "assistant", resp["role"])
		assert.Equal(t, "tool_use", resp["stop_reason"])

		content := resp["content"].([]map[string]any)
		require.Len(t, content, 2)
		assert.Equal(t, "Working on it. ", content[0]["text"])
		assert.Equal(t, "lookup", content[1]["name"])
		input := content[1]["input"].(map[string]any)
		assert.Equal(t, "go", input["q"])
	})

	t.Run("Bracket_Recovery_In_Unary", func(t *testing.T) {
		events := []kiro.Event{
			contentEvent(`Done. [Called get_time with args: {tz: UTC,}]`),
		}
		resp := kiro.BuildMessageResponse("claude-sonnet-4-5", events, kiro.Usage{})

		content := resp["content"].([]map[string]any)
		require.Len(t, content, 2)
		assert.Equal(t, "Done.", content[0]["text"])
		assert.Equal(t, "get_time", content[1]["name"])
		input := content[1]["input"].(map[string]any)
		assert.Equal(t, "UTC", input["tz"])
		assert.Equal(t, "tool_use", resp["stop_reason"])
	})

	t.Run("End_Turn_Without_Tools", func(t *testing.T) {
		resp := kiro.BuildMessageResponse("claude-sonnet-4-5", []kiro.Event{contentEvent("Hi")}, kiro.Usage{})
		assert.Equal(t, "end_turn", resp["stop_reason"])
		content := resp["content"].([]map[string]any)
		require.Len(t, content, 1)
	})
}
