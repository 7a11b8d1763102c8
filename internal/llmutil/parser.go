// internal/llmutil/parser.go
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// fencedBlockRegex matches a markdown code fence with an optional language tag.
// \x60 is a backtick; Go raw strings cannot contain one.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ExtractJSONObject returns the first well-formed JSON object found in an LLM
// response. Fenced blocks are searched before the surrounding prose, and brace
// matching skips over string literals so braces inside values do not confuse it.
func ExtractJSONObject(response string) (string, bool) {
	response = strings.TrimSpace(response)
	if response == "" {
		return "", false
	}

	for _, m := range fencedBlockRegex.FindAllStringSubmatch(response, -1) {
		if obj, ok := firstBalancedObject(m[1]); ok {
			return obj, true
		}
	}
	return firstBalancedObject(response)
}

// firstBalancedObject scans s for '{' and returns the first balanced span that
// is valid JSON.
func firstBalancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start != -1; {
		if end := matchBrace(s, start); end != -1 {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at open, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseJSONResponse extracts the first JSON object from an LLM response and
// decodes it into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	obj, ok := ExtractJSONObject(response)
	if !ok {
		return nil, fmt.Errorf("no JSON object found in LLM response (truncated): %s", TruncateString(response, 200))
	}

	var result T
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, TruncateString(obj, 500))
	}
	return &result, nil
}

// TruncateString truncates a string to at most maxLen bytes for logging,
// never splitting a multi-byte character.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
