// Package kiro translates between the Anthropic Messages wire format and
// the CodeWhisperer conversationState envelope, in both directions.
package kiro

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kirogate/kirogate/internal/util/toolid"
)

const (
	chatTrigger = "MANUAL"
	origin      = "AI_EDITOR"

	// continueContent stands in for turns the upstream requires but the
	// caller did not provide.
	continueContent = "Continue"

	// toolResultsContent stands in for an empty current turn that still
	// carries tool results.
	toolResultsContent = "Tool results provided."
)

// BuildOptions carries per-account decoration for the envelope.
type BuildOptions struct {
	AuthMethod string
	ProfileArn string
}

// extracted is the normalized form of one Claude message.
type extracted struct {
	role        string
	text        string
	toolResults []map[string]any
	toolUses    []map[string]any
	images      []map[string]any
}

// BuildRequest converts an Anthropic Messages payload into Kiro's
// conversationState envelope. The transform always produces a
// userInputMessage current turn and a strictly alternating history.
func BuildRequest(model string, payload []byte, opts BuildOptions) ([]byte, error) {
	root := gjson.ParseBytes(payload)
	msgs, lastRaw, err := extractMessages(root)
	if err != nil {
		return nil, err
	}

	kiroModel := MapModel(model)
	systemPrompt := extractSystemPrompt(root.Get("system"))

	// Client-side prefill artifact: a trailing assistant turn whose first
	// text block is exactly "{" is rejected upstream, so it is dropped and
	// the current turn synthesized.
	var current *extracted
	if last := msgs[len(msgs)-1]; isPrefillSentinel(lastRaw) {
		msgs = msgs[:len(msgs)-1]
	} else {
		current = &last
		msgs = msgs[:len(msgs)-1]
	}

	history := mergeAdjacentRoles(msgs)

	// An assistant final turn moves into history; Kiro only accepts a
	// user-roled current message.
	if current != nil && current.role == "assistant" {
		history = append(history, *current)
		current = nil
	}

	cur := extracted{role: "user"}
	if current != nil {
		cur = *current
	}

	// The system prompt rides the first user turn: history[0] when history
	// exists, otherwise the current message itself.
	startIndex := 0
	entries := make([]map[string]any, 0, len(history)+2)
	if systemPrompt != "" {
		switch {
		case len(history) == 0:
			cur.text = combineContent(systemPrompt, cur.text)
		case history[0].role == "user":
			first := history[0]
			first.text = combineContent(systemPrompt, first.text)
			entries = append(entries, wrapUserMessage(first, kiroModel))
			startIndex = 1
		default:
			entries = append(entries, wrapUserMessage(extracted{role: "user", text: systemPrompt}, kiroModel))
		}
	}

	for i := startIndex; i < len(history); i++ {
		switch history[i].role {
		case "assistant":
			entries = append(entries, wrapAssistantMessage(history[i]))
		default:
			entries = append(entries, wrapUserMessage(history[i], kiroModel))
		}
	}

	// History must end on an assistant turn before the current user turn.
	if len(entries) > 0 {
		if _, ok := entries[len(entries)-1]["assistantResponseMessage"]; !ok {
			entries = append(entries, wrapAssistantMessage(extracted{role: "assistant", text: continueContent}))
		}
	}

	if strings.TrimSpace(cur.text) == "" {
		if len(cur.toolResults) > 0 {
			cur.text = toolResultsContent
		} else {
			cur.text = continueContent
		}
	}

	userInput := map[string]any{
		"content": cur.text,
		"modelId": kiroModel,
		"origin":  origin,
	}
	if len(cur.images) > 0 {
		userInput["images"] = cur.images
	}
	context := map[string]any{}
	if len(cur.toolResults) > 0 {
		context["toolResults"] = cur.toolResults
	}
	if specs := buildToolSpecifications(root.Get("tools")); len(specs) > 0 {
		context["tools"] = specs
	}
	if len(context) > 0 {
		userInput["userInputMessageContext"] = context
	}

	request := map[string]any{
		"conversationState": map[string]any{
			"chatTriggerType": chatTrigger,
			"conversationId":  uuid.NewString(),
			"currentMessage":  map[string]any{"userInputMessage": userInput},
			"history":         entries,
		},
	}
	if strings.EqualFold(opts.AuthMethod, "social") && opts.ProfileArn != "" {
		request["profileArn"] = opts.ProfileArn
	}

	return marshalNoEscape(request)
}

// extractMessages normalizes the payload's turns. The Claude messages array
// is canonical; a contents/parts array (the alternate probe shape) is
// accepted and mapped onto user/assistant turns.
func extractMessages(root gjson.Result) ([]extracted, gjson.Result, error) {
	if messages := root.Get("messages"); messages.IsArray() && len(messages.Array()) > 0 {
		arr := messages.Array()
		msgs := make([]extracted, 0, len(arr))
		for _, msg := range arr {
			msgs = append(msgs, extractMessage(msg))
		}
		return msgs, arr[len(arr)-1], nil
	}

	contents := root.Get("contents")
	if !contents.IsArray() || len(contents.Array()) == 0 {
		return nil, gjson.Result{}, fmt.Errorf("kiro translator: messages array is required")
	}
	msgs := make([]extracted, 0, len(contents.Array()))
	contents.ForEach(func(_, entry gjson.Result) bool {
		role := strings.ToLower(strings.TrimSpace(entry.Get("role").String()))
		if role == "model" {
			role = "assistant"
		}
		if role == "" {
			role = "user"
		}
		parts := make([]string, 0, 2)
		entry.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		msgs = append(msgs, extracted{role: role, text: strings.TrimSpace(strings.Join(parts, "\n"))})
		return true
	})
	return msgs, gjson.Result{}, nil
}

// isPrefillSentinel reports whether a message is a trailing assistant turn
// whose first content block is the bare "{" prefill artifact.
func isPrefillSentinel(msg gjson.Result) bool {
	if !strings.EqualFold(strings.TrimSpace(msg.Get("role").String()), "assistant") {
		return false
	}
	content := msg.Get("content")
	if !content.IsArray() || len(content.Array()) == 0 {
		return false
	}
	first := content.Array()[0]
	return first.Get("type").String() == "text" && first.Get("text").String() == "{"
}

func mergeAdjacentRoles(msgs []extracted) []extracted {
	merged := make([]extracted, 0, len(msgs))
	for _, msg := range msgs {
		if len(merged) > 0 && merged[len(merged)-1].role == msg.role {
			last := &merged[len(merged)-1]
			last.text = joinNonEmpty(last.text, msg.text, "\n")
			last.toolResults = mergeToolResults(last.toolResults, msg.toolResults)
			last.toolUses = append(last.toolUses, msg.toolUses...)
			last.images = append(last.images, msg.images...)
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// mergeToolResults appends src onto dst keeping the first occurrence of each
// toolUseId, so merged same-role turns never carry a duplicate.
func mergeToolResults(dst, src []map[string]any) []map[string]any {
	seen := make(map[string]struct{}, len(dst)+len(src))
	for _, result := range dst {
		if id, ok := result["toolUseId"].(string); ok {
			seen[id] = struct{}{}
		}
	}
	for _, result := range src {
		id, ok := result["toolUseId"].(string)
		if ok {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		dst = append(dst, result)
	}
	return dst
}

func extractMessage(msg gjson.Result) extracted {
	role := strings.ToLower(strings.TrimSpace(msg.Get("role").String()))
	out := extracted{role: role}
	content := msg.Get("content")

	textParts := make([]string, 0, 4)
	switch {
	case content.Type == gjson.String:
		textParts = append(textParts, content.String())
	case content.IsArray():
		seenResults := make(map[string]struct{})
		content.ForEach(func(_, part gjson.Result) bool {
			switch strings.ToLower(part.Get("type").String()) {
			case "text":
				textParts = append(textParts, part.Get("text").String())
			case "tool_result":
				id := toolid.Sanitize(part.Get("tool_use_id").String())
				if _, dup := seenResults[id]; dup {
					return true
				}
				seenResults[id] = struct{}{}
				out.toolResults = append(out.toolResults, map[string]any{
					"content":   []map[string]string{{"text": extractNestedContent(part.Get("content"))}},
					"status":    firstString(part.Get("status").String(), "success"),
					"toolUseId": id,
				})
			case "tool_use":
				out.toolUses = append(out.toolUses, map[string]any{
					"name":      part.Get("name").String(),
					"toolUseId": toolid.Sanitize(part.Get("id").String()),
					"input":     parseJSONSafely(part.Get("input")),
				})
			case "image":
				if img := buildImagePart(part); img != nil {
					out.images = append(out.images, img)
				}
			}
			return true
		})
	case content.Exists():
		textParts = append(textParts, content.String())
	}

	out.text = strings.TrimSpace(strings.Join(textParts, "\n"))
	return out
}

func wrapUserMessage(msg extracted, model string) map[string]any {
	userInput := map[string]any{
		"content": msg.text,
		"modelId": model,
		"origin":  origin,
	}
	if len(msg.images) > 0 {
		userInput["images"] = msg.images
	}
	if len(msg.toolResults) > 0 {
		userInput["userInputMessageContext"] = map[string]any{"toolResults": msg.toolResults}
	}
	return map[string]any{"userInputMessage": userInput}
}

func wrapAssistantMessage(msg extracted) map[string]any {
	payload := map[string]any{"content": msg.text}
	if len(msg.toolUses) > 0 {
		payload["toolUses"] = msg.toolUses
	}
	return map[string]any{"assistantResponseMessage": payload}
}

func buildToolSpecifications(tools gjson.Result) []map[string]any {
	if !tools.Exists() || !tools.IsArray() {
		return nil
	}
	specs := make([]map[string]any, 0, len(tools.Array()))
	tools.ForEach(func(_, tool gjson.Result) bool {
		name := tool.Get("name").String()
		if strings.TrimSpace(name) == "" {
			return true
		}
		schema := parseJSONSafely(tool.Get("input_schema"))
		if schema == nil {
			schema = map[string]any{}
		}
		specs = append(specs, map[string]any{
			"toolSpecification": map[string]any{
				"name":        name,
				"description": tool.Get("description").String(),
				"inputSchema": map[string]any{"json": schema},
			},
		})
		return true
	})
	return specs
}

func buildImagePart(part gjson.Result) map[string]any {
	source := part.Get("source")
	if !source.Exists() {
		return nil
	}
	mediaType := source.Get("media_type").String()
	format := ""
	if idx := strings.Index(mediaType, "/"); idx != -1 && idx+1 < len(mediaType) {
		format = mediaType[idx+1:]
	}
	data := source.Get("data").String()
	if format == "" || data == "" {
		return nil
	}
	return map[string]any{
		"format": format,
		"source": map[string]any{"bytes": data},
	}
}

func extractSystemPrompt(system gjson.Result) string {
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return strings.TrimSpace(system.String())
	}
	if system.IsArray() {
		parts := make([]string, 0, len(system.Array()))
		system.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
			return true
		})
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

func extractNestedContent(value gjson.Result) string {
	if !value.Exists() {
		return ""
	}
	if value.Type == gjson.String {
		return value.String()
	}
	if value.IsArray() {
		parts := make([]string, 0, len(value.Array()))
		value.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, part.String())
			} else if part.Get("text").Exists() {
				parts = append(parts, part.Get("text").String())
			}
			return true
		})
		return strings.Join(parts, "")
	}
	return value.String()
}

func combineContent(parts ...string) string {
	return joinNonEmpty2(parts, "\n\n")
}

func joinNonEmpty(a, b, sep string) string {
	return joinNonEmpty2([]string{a, b}, sep)
}

func joinNonEmpty2(parts []string, sep string) string {
	acc := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			acc = append(acc, trimmed)
		}
	}
	return strings.Join(acc, sep)
}

func parseJSONSafely(value gjson.Result) any {
	if !value.Exists() || value.Raw == "" {
		return nil
	}
	var obj any
	if err := json.Unmarshal([]byte(value.Raw), &obj); err == nil {
		return obj
	}
	return nil
}

func firstString(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// marshalNoEscape encodes without HTML escaping; the upstream rejects
// envelopes where "<" or "&" arrive as unicode escapes.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
