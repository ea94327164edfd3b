// Package toolid validates and repairs tool-call identifiers before they
// cross the Kiro wire. The upstream rejects IDs carrying path-like colons
// (for example "***.TodoWrite:3") or masked segments.
package toolid

import (
	"strings"

	"github.com/google/uuid"
)

// Valid reports whether a tool-call ID is acceptable to the upstream.
func Valid(id string) bool {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, ":") {
		return false
	}
	if strings.Contains(trimmed, "***") {
		return false
	}
	return true
}

// Sanitize returns the ID unchanged when valid, otherwise a fresh
// "call_"-prefixed UUID.
func Sanitize(id string) string {
	if Valid(id) {
		return strings.TrimSpace(id)
	}
	return "call_" + uuid.NewString()
}
