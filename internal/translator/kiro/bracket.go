package kiro

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const bracketMarker = "[Called"

// BracketToolCall is a tool invocation recovered from bracket-format text.
type BracketToolCall struct {
	ID        string
	Name      string
	Arguments string
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
	barewordValueRe = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_./-]*)\s*([,}\]])`)
)

// RecoverBracketToolCalls scans assembled content for
// "[Called <name> with args: {...}]" spans, parses them into tool calls and
// returns the content with the spans removed. Unrepairable payloads are
// dropped with a warning.
func RecoverBracketToolCalls(content string) (string, []BracketToolCall) {
	if !strings.Contains(content, bracketMarker) {
		return content, nil
	}

	var calls []BracketToolCall
	var cleaned strings.Builder
	pos := 0
	for {
		start := strings.Index(content[pos:], bracketMarker)
		if start == -1 {
			cleaned.WriteString(content[pos:])
			break
		}
		start += pos
		cleaned.WriteString(content[pos:start])

		end := matchBracketEnd(content, start)
		if end == -1 {
			// Unterminated span: keep the text as-is.
			cleaned.WriteString(content[start:])
			break
		}

		if call, ok := parseBracketSpan(content[start : end+1]); ok {
			calls = append(calls, call)
		} else {
			log.Warnf("kiro translator: dropping unparseable bracket tool call: %.80s", content[start:end+1])
		}
		pos = end + 1
	}

	return collapseWhitespace(cleaned.String()), dedupeToolCalls(calls)
}

// matchBracketEnd pairs the "[" at start with its "]" using string-aware
// depth counting over both bracket kinds.
func matchBracketEnd(s string, start int) int {
	depth := 0
	inString := false
	escapeNext := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		switch c {
		case '\\':
			escapeNext = true
		case '"':
			inString = !inString
		case '[', '{':
			if !inString {
				depth++
			}
		case ']', '}':
			if !inString {
				depth--
				if depth == 0 && c == ']' {
					return i
				}
			}
		}
	}
	return -1
}

// parseBracketSpan decodes one "[Called name with args: {...}]" span.
func parseBracketSpan(span string) (BracketToolCall, bool) {
	inner := strings.TrimSuffix(strings.TrimPrefix(span, "["), "]")
	inner = strings.TrimSpace(strings.TrimPrefix(inner, "Called"))

	argsIdx := strings.Index(inner, "with args:")
	if argsIdx == -1 {
		return BracketToolCall{}, false
	}
	name := strings.TrimSpace(inner[:argsIdx])
	rawArgs := strings.TrimSpace(inner[argsIdx+len("with args:"):])
	if name == "" || rawArgs == "" {
		return BracketToolCall{}, false
	}

	repaired, ok := repairJSON(rawArgs)
	if !ok {
		return BracketToolCall{}, false
	}
	return BracketToolCall{
		ID:        "call_" + shortID(),
		Name:      name,
		Arguments: repaired,
	}, true
}

// repairJSON tries to parse args as-is, then applies loose-JSON repairs:
// trailing commas stripped, unquoted keys and bareword values quoted.
func repairJSON(raw string) (string, bool) {
	candidate := strings.TrimSpace(raw)
	for pass := 0; pass < 2; pass++ {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			normalized, merr := json.Marshal(parsed)
			if merr != nil {
				return "", false
			}
			return string(normalized), true
		}
		candidate = trailingCommaRe.ReplaceAllString(candidate, "$1")
		candidate = unquotedKeyRe.ReplaceAllString(candidate, `$1"$2":`)
		candidate = barewordValueRe.ReplaceAllStringFunc(candidate, func(m string) string {
			sub := barewordValueRe.FindStringSubmatch(m)
			switch sub[1] {
			case "true", "false", "null":
				return m
			}
			return `: "` + sub[1] + `"` + sub[2]
		})
	}
	var parsed any
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return "", false
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return "", false
	}
	return string(normalized), true
}

// dedupeToolCalls drops repeats keyed by (name, arguments), first wins.
func dedupeToolCalls(calls []BracketToolCall) []BracketToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := calls[:0]
	for _, call := range calls {
		key := call.Name + "\x00" + call.Arguments
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, call)
	}
	return out
}

var whitespaceRunRe = regexp.MustCompile(`[ \t]{2,}`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRunRe.ReplaceAllString(s, " "))
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
