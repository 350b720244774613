package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeToolArguments_NonStringIsSerialized(t *testing.T) {
	got := NormalizeToolArguments(map[string]any{"a": 1})
	assert.JSONEq(t, `{"a":1}`, got)
}

func TestNormalizeToolArguments_ValidJSONPassesThrough(t *testing.T) {
	got := NormalizeToolArguments(`{"a":1}`)
	assert.Equal(t, `{"a":1}`, got)
}

func TestNormalizeToolArguments_RepairsBareBackslash(t *testing.T) {
	// A Windows-style path with an unescaped backslash is common malformed
	// tool-call output from some models.
	malformed := `{"path":"C:\Users\x"}`
	got := NormalizeToolArguments(malformed)
	assert.JSONEq(t, `{"path":"C:\\Users\\x"}`, got)
}

func TestNormalizeToolArguments_UnrepairableStillPassesThrough(t *testing.T) {
	malformed := `{not json at all`
	got := NormalizeToolArguments(malformed)
	assert.Equal(t, malformed, got)
}

func TestNormalizeToolArguments_ValidEscapesUntouched(t *testing.T) {
	valid := `{"a":"line1\nline2","b":"quote\""}`
	got := NormalizeToolArguments(valid)
	assert.Equal(t, valid, got)
}
