package ratelimit

import (
	"strings"

	"github.com/yudhap/blastgate/internal/rules"
)

// BuildKey returns the composite bucket key for a context. Segments are
// sanitized so an identity containing ':' cannot collide with another
// context's key.
func BuildKey(contextType rules.ContextType, identity, endpoint string) string {
	parts := []string{sanitizeSegment(string(contextType)), sanitizeSegment(identity)}
	if endpoint != "" {
		parts = append(parts, sanitizeSegment(endpoint))
	}
	return strings.Join(parts, ":")
}

// sanitizeSegment escapes the key separator: '_' doubles first so the
// mapping stays reversible, then ':' becomes '_c'.
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "_", "__")
	return strings.ReplaceAll(s, ":", "_c")
}
