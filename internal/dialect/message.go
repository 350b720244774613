// Package dialect implements the bidirectional translation layer: OpenAI
// chat, Anthropic messages, and the upstream "responses" dialect all
// convert to and from one canonical internal form defined in this file.
package dialect

import "encoding/json"

// Role is the canonical message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the Content sum type: Text(string) | Null |
// Parts(list<Part>).
type ContentKind int

const (
	ContentKindNull ContentKind = iota
	ContentKindText
	ContentKindParts
)

// Content is the polymorphic message body: a plain string, explicit null,
// or an ordered list of typed parts (text / image).
type Content struct {
	Kind  ContentKind
	Text  string
	Parts []Part
}

// TextContent builds a Content in its plain-string form.
func TextContent(s string) Content { return Content{Kind: ContentKindText, Text: s} }

// NullContent builds the explicit-null form.
func NullContent() Content { return Content{Kind: ContentKindNull} }

// PartsContent builds the multi-part form.
func PartsContent(parts ...Part) Content { return Content{Kind: ContentKindParts, Parts: parts} }

// IsEmpty reports whether the content carries no information at all.
func (c Content) IsEmpty() bool {
	return c.Kind == ContentKindNull || (c.Kind == ContentKindText && c.Text == "") ||
		(c.Kind == ContentKindParts && len(c.Parts) == 0)
}

// PartType discriminates Part = TextPart(string) | ImagePart(url, detail?).
type PartType string

const (
	PartTypeText     PartType = "text"
	PartTypeImageURL PartType = "image_url"
)

// Part is one element of a multi-part Content.
type Part struct {
	Type     PartType
	Text     string
	ImageURL *ImageURL
}

// ImageURL is an image reference, optionally carrying a rendering detail
// hint ("low"/"high"/"auto").
type ImageURL struct {
	URL    string
	Detail string
}

// TextPart builds a text Part.
func TextPart(s string) Part { return Part{Type: PartTypeText, Text: s} }

// ImagePart builds an image_url Part.
func ImagePart(url, detail string) Part {
	return Part{Type: PartTypeImageURL, ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// ToolCall is a single function invocation emitted by an assistant turn.
// Arguments is always a canonical JSON string.
type ToolCall struct {
	ID       string
	Type     string // always "function" in this proxy's surface
	Function FunctionCall
}

// FunctionCall is the name/arguments pair inside a ToolCall.
type FunctionCall struct {
	Name      string
	Arguments string
}

// Message is the canonical internal chat message.
type Message struct {
	Role       string
	Content    Content
	Name       string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ContentAsPlainText reduces a Content value to a flat string, used by the
// cache fingerprint (each message reduces to {role, content-as-string})
// and by the token estimator.
func ContentAsPlainText(c Content) string {
	switch c.Kind {
	case ContentKindText:
		return c.Text
	case ContentKindParts:
		out := ""
		for _, p := range c.Parts {
			switch p.Type {
			case PartTypeText:
				out += p.Text
			case PartTypeImageURL:
				if p.ImageURL != nil {
					out += "[image:" + p.ImageURL.URL + "]"
				}
			}
		}
		return out
	default:
		return ""
	}
}

// HasToolCalls reports whether the message is an assistant turn declaring
// one or more tool invocations.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// CloneToolCalls returns an independent copy of the tool-call slice, so
// translators never mutate a shared underlying array across dialects.
func (m Message) CloneToolCalls() []ToolCall {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(m.ToolCalls))
	copy(out, m.ToolCalls)
	return out
}

// CanonicalizeJSON re-serializes a JSON string through encoding/json:
// object keys come out sorted (encoding/json sorts map keys) and
// insignificant whitespace is dropped. Invalid JSON is returned unchanged
// with false.
func CanonicalizeJSON(s string) (string, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return s, false
	}
	return string(b), true
}
