package dialect

import (
	"encoding/json"
	"strings"
)

// NormalizeToolArguments normalizes a tool-call arguments value down to a
// JSON string. Non-string input is serialized; a string that fails to
// parse gets one repair pass (escaping bare backslashes), and if it still
// doesn't parse it is passed through unchanged — corruption would break
// agent loops worse than forwarding invalid JSON.
func NormalizeToolArguments(v any) string {
	s, ok := v.(string)
	if !ok {
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	}

	if json.Valid([]byte(s)) {
		return s
	}

	repaired := repairBareBackslashes(s)
	if json.Valid([]byte(repaired)) {
		return repaired
	}

	return s
}

// repairBareBackslashes escapes backslashes that are not already part of a
// valid JSON escape sequence (\", \\, \/, \b, \f, \n, \r, \t, \uXXXX).
func repairBareBackslashes(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '\\' {
			b.WriteRune(r)
			continue
		}
		if i+1 < len(runes) && isValidJSONEscape(runes[i+1]) {
			b.WriteRune(r)
			continue
		}
		// Bare backslash: escape it.
		b.WriteString(`\\`)
	}
	return b.String()
}

func isValidJSONEscape(r rune) bool {
	switch r {
	case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
		return true
	default:
		return false
	}
}
