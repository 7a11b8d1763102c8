package llmutil

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		found    bool
	}{
		{"bare object", `{"action":"next_page"}`, `{"action":"next_page"}`, true},
		{"fenced json", "```json\n{\"action\": \"wait\"}\n```", `{"action": "wait"}`, true},
		{"fenced without tag", "```\n{\"action\": \"start\"}\n```", `{"action": "start"}`, true},
		{"object inside prose", `Sure! Here is my answer: {"action":"submit_test","reasoning":"done"} Good luck.`, `{"action":"submit_test","reasoning":"done"}`, true},
		{"braces inside strings", `{"action":"wait","reasoning":"saw a } and a { on screen"}`, `{"action":"wait","reasoning":"saw a } and a { on screen"}`, true},
		{"nested object", `x {"action":"select_answer","meta":{"a":1}} y`, `{"action":"select_answer","meta":{"a":1}}`, true},
		{"first of two objects", `{"action":"start"} {"action":"wait"}`, `{"action":"start"}`, true},
		{"skips malformed then finds valid", `{not json} then {"action":"wait"}`, `{"action":"wait"}`, true},
		{"unterminated", `{"action": "start"`, "", false},
		{"no object", "I cannot determine the next action.", "", false},
		{"empty", "   ", "", false},
		{"array only", `["start"]`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tt.input)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	type decision struct {
		Action      string `json:"action"`
		AnswerIndex *int   `json:"answer_index"`
	}

	t.Run("decodes fenced response", func(t *testing.T) {
		d, err := ParseJSONResponse[decision]("```json\n{\"action\":\"select_answer\",\"answer_index\":2}\n```")
		require.NoError(t, err)
		assert.Equal(t, "select_answer", d.Action)
		require.NotNil(t, d.AnswerIndex)
		assert.Equal(t, 2, *d.AnswerIndex)
	})

	t.Run("type mismatch is an error", func(t *testing.T) {
		_, err := ParseJSONResponse[decision](`{"action":"select_answer","answer_index":"two"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal LLM JSON response")
	})

	t.Run("missing object is an error", func(t *testing.T) {
		_, err := ParseJSONResponse[decision]("nothing here")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no JSON object found")
	})
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "abc", TruncateString("abc", 5))
	assert.Equal(t, "ab...", TruncateString("abcdef", 2))
	assert.Equal(t, "", TruncateString("abc", 0))
}

func TestTruncateString_KeepsCharactersWhole(t *testing.T) {
	// "é" is two bytes and "日" three.
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"café au lait", 4, "caf..."},
		{"café au lait", 5, "café..."},
		{"日本語", 4, "日..."},
		{"日本語", 2, "..."},
	}
	for _, tt := range tests {
		got := TruncateString(tt.in, tt.maxLen)
		assert.Equal(t, tt.want, got, "TruncateString(%q, %d)", tt.in, tt.maxLen)
		assert.True(t, utf8.ValidString(got))
	}
}
