// Package jsonx extracts JSON payloads from LLM output that may wrap
// them in prose or markdown fences.
package jsonx

import (
	"encoding/json"
	"strings"
)

// StripFences removes a surrounding markdown code fence if present.
// Handles ```json, ``` and leaves unfenced text untouched.
func StripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	// Drop the opening fence line (``` or ```json etc).
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
	}

	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// ExtractObject returns the first balanced {...} in s, found by brace
// depth counting, skipping braces inside string literals. Returns ""
// when no balanced object exists.
func ExtractObject(s string) string {
	return extractBalanced(s, '{', '}')
}

// ExtractArray returns the first balanced [...] in s.
func ExtractArray(s string) string {
	return extractBalanced(s, '[', ']')
}

func extractBalanced(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// UnmarshalObject parses an LLM response into dst, tolerating prose and
// fences around the JSON object: (1) direct parse, (2) fence-stripped,
// (3) first balanced object.
func UnmarshalObject(response string, dst any) error {
	trimmed := strings.TrimSpace(response)
	if err := json.Unmarshal([]byte(trimmed), dst); err == nil {
		return nil
	}

	stripped := StripFences(trimmed)
	if err := json.Unmarshal([]byte(stripped), dst); err == nil {
		return nil
	}

	obj := ExtractObject(stripped)
	if obj == "" {
		obj = ExtractObject(trimmed)
	}
	if obj == "" {
		return &ExtractError{Input: trimmed}
	}
	if err := json.Unmarshal([]byte(obj), dst); err != nil {
		return err
	}
	return nil
}

// ExtractError reports that no JSON payload was found.
type ExtractError struct {
	Input string
}

func (e *ExtractError) Error() string {
	preview := e.Input
	if len(preview) > 120 {
		preview = preview[:117] + "..."
	}
	return "no JSON payload found in response: " + preview
}
