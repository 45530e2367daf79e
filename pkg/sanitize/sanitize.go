// Package sanitize normalises untrusted display names into storage-safe
// object key segments.
package sanitize

import "strings"

const (
	// Fallback is returned whenever sanitisation yields an empty segment.
	Fallback = "file"

	maxLength = 128
)

// Name reduces an arbitrary, possibly hostile string to a safe path segment.
// Only the final path component survives, whitespace runs collapse to a
// single underscore, remaining characters are restricted to [a-z0-9._-]
// (disallowed ones removed, not replaced), and the result is capped at 128
// characters. Empty results fall back to "file". The function is total and
// idempotent.
func Name(input string) string {
	s := input

	// Keep only the final path component; both separators count.
	if idx := strings.LastIndexAny(s, "/\\"); idx >= 0 {
		s = s[idx+1:]
	}

	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if isSpace(r) {
			inSpace = true
			continue
		}
		if inSpace {
			b.WriteByte('_')
			inSpace = false
		}
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if inSpace && b.Len() > 0 {
		b.WriteByte('_')
	}

	out := b.String()
	if len(out) > maxLength {
		out = out[:maxLength]
	}
	if out == "" {
		return Fallback
	}
	return out
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
