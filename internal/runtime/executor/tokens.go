package executor

import (
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"

	kirotranslator "github.com/kirogate/kirogate/internal/translator/kiro"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// tokenCodec lazily loads the BPE tables once per process.
func tokenCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		enc, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			codec = enc
		}
	})
	return codec
}

// countTokens runs the BPE over text, falling back to a chars/4 heuristic
// when the tables are unavailable.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenCodec(); enc != nil {
		if _, tokens, err := enc.Encode(text); err == nil {
			return len(tokens)
		}
	}
	return (len(text) + 3) / 4
}

// EstimateInputTokens totals the system prompt and message text of a
// Claude Messages payload; the count_tokens endpoint uses it directly.
func EstimateInputTokens(claudeBody []byte) int {
	return estimateInputTokens(claudeBody)
}

// estimateInputTokens totals the system prompt and message text of a Claude
// Messages payload.
func estimateInputTokens(claudeBody []byte) int {
	root := gjson.ParseBytes(claudeBody)
	var sb strings.Builder

	appendContent := func(content gjson.Result) {
		if content.Type == gjson.String {
			sb.WriteString(content.String())
			sb.WriteByte('\n')
			return
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if text := part.Get("text").String(); text != "" {
				sb.WriteString(text)
				sb.WriteByte('\n')
			}
			if input := part.Get("input"); input.Exists() {
				sb.WriteString(input.Raw)
				sb.WriteByte('\n')
			}
			return true
		})
	}

	appendContent(root.Get("system"))
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		appendContent(msg.Get("content"))
		return true
	})
	return countTokens(sb.String())
}

// EstimateUsage assembles the usage block for a response from the request
// payload and the parsed upstream events.
func EstimateUsage(claudeBody []byte, events []kirotranslator.Event) kirotranslator.Usage {
	var out strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case kirotranslator.EventContent:
			if text, ok := ev.Data["content"].(string); ok {
				out.WriteString(text)
			}
		case kirotranslator.EventToolUse, kirotranslator.EventToolUseInput:
			if frag, ok := ev.Data["input"].(string); ok {
				out.WriteString(frag)
			}
		}
	}
	return kirotranslator.Usage{
		InputTokens:  estimateInputTokens(claudeBody),
		OutputTokens: countTokens(out.String()),
	}
}
