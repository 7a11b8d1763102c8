package dom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScript(t *testing.T) {
	t.Run("requires placeholder", func(t *testing.T) {
		_, err := buildScript("(() => 1)()", nil)
		assert.Error(t, err)
	})

	t.Run("encodes arguments as a literal", func(t *testing.T) {
		script := ClickScript(`iframe[name="text"]`, `//*[@id='next']`)
		assert.NotContains(t, script, ArgsPlaceholder)
		assert.Contains(t, script, `{"frame":"iframe[name=\"text\"]","locator":"//*[@id='next']"}`)
	})
}

func TestScripts_AreExpressions(t *testing.T) {
	scripts := map[string]string{
		"snapshot": SnapshotScript("iframe#text"),
		"boxes":    BoxesScript(nil),
		"click":    ClickScript("", "/html[1]/body[1]/button[1]"),
		"select":   SelectScript("", "//*[@id='colour']", "blue"),
	}
	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(script, "(() => {"), "must evaluate as an expression")
			assert.True(t, strings.HasSuffix(script, "})()"))
			assert.NotContains(t, script, ArgsPlaceholder)
		})
	}
	assert.Contains(t, scripts["boxes"], "([]).map", "nil targets encode as an empty array")
}

func TestScriptError(t *testing.T) {
	require.NoError(t, ScriptError(ResultOK, "", "//a"))

	err := ScriptError(ResultNotFound, "", "//a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no element found")

	assert.Contains(t, ScriptError(ResultNoOption, "", "//select").Error(), "no element found")
	assert.Contains(t, ScriptError("weird", "", "//a").Error(), "unexpected script result")
}
