package dialect

import "encoding/json"

// normalizeContentField converts a polymorphic OpenAI/Responses-dialect
// message `content` field (string | null | array of typed parts) into the
// canonical Content. Blocks that require promoting to a different message
// (tool_result, tool_use) are not handled here — the Anthropic translator
// walks its own blocks directly since those promote to whole Messages.
func normalizeContentField(raw any) Content {
	if raw == nil {
		return NullContent()
	}
	switch v := raw.(type) {
	case string:
		return TextContent(v)
	case []any:
		parts := make([]Part, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if p, ok := contentPartFromBlock(m); ok {
				parts = append(parts, p)
			}
		}
		return PartsContent(parts...)
	case map[string]any:
		if p, ok := contentPartFromBlock(v); ok {
			return PartsContent(p)
		}
		b, _ := json.Marshal(v)
		return TextContent(string(b))
	default:
		b, _ := json.Marshal(v)
		return TextContent(string(b))
	}
}

// contentPartFromBlock maps a single tagged content block to a Part
// (excluding tool_result/tool_use, which promote to whole messages rather
// than parts).
func contentPartFromBlock(m map[string]any) (Part, bool) {
	typeTag, _ := m["type"].(string)
	switch typeTag {
	case "text", "input_text", "output_text":
		text, _ := m["text"].(string)
		return TextPart(text), true

	case "thinking":
		if text, ok := m["thinking"].(string); ok {
			return TextPart(text), true
		}
		return Part{}, false

	case "image_url":
		switch u := m["image_url"].(type) {
		case string:
			return ImagePart(u, ""), true
		case map[string]any:
			url, _ := u["url"].(string)
			detail, _ := u["detail"].(string)
			return ImagePart(url, detail), true
		}
		return Part{}, false

	case "input_image":
		if u, ok := m["image_url"].(string); ok && u != "" {
			detail, _ := m["detail"].(string)
			return ImagePart(u, detail), true
		}
		if src, ok := m["source"].(map[string]any); ok {
			if url := dataURLFromSource(src); url != "" {
				return ImagePart(url, ""), true
			}
		}
		return Part{}, false

	case "image":
		if src, ok := m["source"].(map[string]any); ok {
			if url := dataURLFromSource(src); url != "" {
				return ImagePart(url, ""), true
			}
		}
		return Part{}, false

	default:
		// Anything else passes through as text via JSON serialization.
		b, err := json.Marshal(m)
		if err != nil {
			return Part{}, false
		}
		return TextPart(string(b)), true
	}
}

// dataURLFromSource synthesizes a data: URL from an Anthropic-style
// {type: base64, media_type, data} image source object.
func dataURLFromSource(src map[string]any) string {
	sourceType, _ := src["type"].(string)
	if sourceType != "base64" {
		if url, ok := src["url"].(string); ok {
			return url
		}
		return ""
	}
	media, _ := src["media_type"].(string)
	data, _ := src["data"].(string)
	if media == "" || data == "" {
		return ""
	}
	return "data:" + media + ";base64," + data
}
