package kiro

import (
	"sort"
	"strings"
)

// DefaultProbeModel is used for health probes when an account does not
// configure its own probe model.
const DefaultProbeModel = "claude-haiku-4-5"

const defaultModelAlias = "claude-sonnet-4-5"

var modelMapping = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// MapModel returns the upstream Kiro model identifier for a Claude model
// alias. Unknown aliases fall back to the default mapping.
func MapModel(model string) string {
	if mapped, ok := modelMapping[strings.TrimSpace(model)]; ok {
		return mapped
	}
	return modelMapping[defaultModelAlias]
}

// KnownModels lists the Claude aliases the gateway accepts, for /v1/models.
func KnownModels() []string {
	out := make([]string, 0, len(modelMapping))
	for alias := range modelMapping {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
