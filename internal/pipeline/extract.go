package pipeline

import (
	"strings"

	"github.com/tidwall/gjson"
)

// extractJSON pulls a JSON object out of a model response. Accepted
// shapes, in order: the response as-is, the contents of a fenced code
// block, and the outermost {...} substring of a larger response.
func extractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if isJSONObject(s) {
		return s, true
	}

	if fenced, ok := stripFence(s); ok && isJSONObject(fenced) {
		return fenced, true
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		if candidate := strings.TrimSpace(s[start : end+1]); isJSONObject(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && gjson.Valid(s)
}

// stripFence returns the body of the first ``` fenced block.
func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Skip the language tag line ("json", "JSON", or empty).
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || strings.EqualFold(tag, "json") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// ensureString joins list-valued fields into a single string. Models
// sometimes return a list of paragraphs where a string is expected.
func ensureString(v gjson.Result) string {
	if v.IsArray() {
		parts := make([]string, 0, len(v.Array()))
		for _, e := range v.Array() {
			if s := strings.TrimSpace(e.String()); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return strings.TrimSpace(v.String())
}

// ensureStrings normalizes a field to a list of strings, wrapping a
// bare string as a one-element list.
func ensureStrings(v gjson.Result) []string {
	if !v.Exists() {
		return nil
	}
	if v.IsArray() {
		var out []string
		for _, e := range v.Array() {
			if s := ensureString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := strings.TrimSpace(v.String()); s != "" {
		return []string{s}
	}
	return nil
}
