package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// reserved characters stripped from category and item names. Covers
// the union of POSIX and Windows path restrictions.
const reservedChars = `<>:"/\|?*'` + "`"

// SanitizeName normalizes a model-supplied name to filesystem-safe
// form: lowercase, spaces to underscores, reserved characters
// stripped, clamped to maxLen preserving word boundaries when
// possible.
func SanitizeName(name string, maxLen int) string {
	name = strings.ToLower(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == ' ' || r == '\t' || r == '-':
			b.WriteRune('_')
		case strings.ContainsRune(reservedChars, r):
			// dropped
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	s := b.String()
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "._")

	if maxLen > 0 && len(s) > maxLen {
		s = clampAtWordBoundary(s, maxLen)
	}
	return s
}

// clampAtWordBoundary cuts s to at most maxLen bytes without splitting
// a rune, preferring the last underscore in the allowed range so words
// stay whole. A cut that would drop more than half the budget falls
// back to a hard clamp.
func clampAtWordBoundary(s string, maxLen int) string {
	end := maxLen
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	cut := s[:end]
	if idx := strings.LastIndex(cut, "_"); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return strings.Trim(cut, "._")
}
