package dialect

// applyPatchParameters is the fixed parameter schema substituted for the
// Anthropic-only apply_patch tool shape upstream doesn't understand.
var applyPatchParameters = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"input": map[string]any{
			"type":        "string",
			"description": "The patch content to apply, in the apply_patch envelope format.",
		},
	},
	"required": []any{"input"},
}

// schemaPruneKeys are pruned recursively from tool parameter schemas
// because upstream ignores or rejects them.
var schemaPruneKeys = []string{"additionalProperties", "$schema", "title"}

// SanitizeTools rewrites apply_patch into a plain function tool, drops
// web_search tools upstream doesn't support, and prunes disallowed schema
// keys from every remaining tool's parameters.
func SanitizeTools(tools []Tool) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		switch t.Function.Name {
		case "web_search":
			continue
		case "apply_patch":
			t.Function.Parameters = applyPatchParameters
		}
		if t.Function.Parameters != nil {
			t.Function.Parameters = pruneSchema(t.Function.Parameters).(map[string]any)
		}
		out = append(out, t)
	}
	return out
}

// pruneSchema recursively strips schemaPruneKeys from a JSON-schema-like
// value, descending through properties, items, anyOf, oneOf, and allOf.
func pruneSchema(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		if arr, ok := v.([]any); ok {
			out := make([]any, len(arr))
			for i, e := range arr {
				out[i] = pruneSchema(e)
			}
			return out
		}
		return v
	}

	out := make(map[string]any, len(m))
	for k, val := range m {
		if isPrunedKey(k) {
			continue
		}
		switch k {
		case "properties":
			if props, ok := val.(map[string]any); ok {
				pruned := make(map[string]any, len(props))
				for pk, pv := range props {
					pruned[pk] = pruneSchema(pv)
				}
				out[k] = pruned
				continue
			}
		case "items", "anyOf", "oneOf", "allOf":
			out[k] = pruneSchema(val)
			continue
		}
		out[k] = val
	}
	return out
}

func isPrunedKey(k string) bool {
	for _, p := range schemaPruneKeys {
		if k == p {
			return true
		}
	}
	return false
}

// StripCacheControl removes Anthropic's cache_control annotation from
// every content part of a message (upstream rejects the field outright).
func StripCacheControl(parts []map[string]any) []map[string]any {
	for _, p := range parts {
		delete(p, "cache_control")
	}
	return parts
}
