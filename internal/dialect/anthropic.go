package dialect

import (
	"encoding/json"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
)

// AnthropicRequest is the wire shape of a POST /v1/messages body.
type AnthropicRequest struct {
	Model       string          `json:"model"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []anthropicMsg  `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AnthropicResponse is the wire shape of a non-streaming /v1/messages reply.
type AnthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []AnthropicBlock `json:"content"`
	StopReason   string           `json:"stop_reason,omitempty"`
	StopSequence *string          `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage   `json:"usage"`
}

// AnthropicBlock is one content block of an Anthropic message.
type AnthropicBlock struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Input any    `json:"input,omitempty"`
}

// AnthropicUsage mirrors the Anthropic usage envelope.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NormalizeAnthropicRequest converts an Anthropic /v1/messages body into
// the canonical Envelope.
func NormalizeAnthropicRequest(body []byte) (*Envelope, *apierr.Error) {
	var raw AnthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.InvalidRequest("malformed JSON body: %s", err.Error())
	}
	if raw.Model == "" {
		return nil, apierr.InvalidRequest("missing required field: model")
	}

	env := &Envelope{
		Model:       raw.Model,
		Stream:      raw.Stream,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
	}
	if raw.MaxTokens > 0 {
		mt := raw.MaxTokens
		env.MaxTokens = &mt
	}

	if len(raw.System) > 0 {
		sysMsg, err := systemFieldToMessage(raw.System)
		if err != nil {
			return nil, apierr.InvalidRequest("invalid system field: %s", err.Error())
		}
		if sysMsg != nil {
			env.Messages = append(env.Messages, *sysMsg)
		}
	}

	for _, m := range raw.Messages {
		msgs, err := anthropicMessageToInternal(m)
		if err != nil {
			return nil, apierr.InvalidRequest("invalid message: %s", err.Error())
		}
		env.Messages = append(env.Messages, msgs...)
	}

	for _, t := range raw.Tools {
		env.Tools = append(env.Tools, Tool{
			Type: "function",
			Function: ToolFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	env.ToolChoice = normalizeAnthropicToolChoice(raw.ToolChoice)

	if aerr := validateEnvelope(env); aerr != nil {
		return nil, aerr
	}
	return env, nil
}

// systemFieldToMessage converts the Anthropic system prompt (string or
// list of text blocks) into a system-role internal message.
func systemFieldToMessage(raw json.RawMessage) (*Message, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return &Message{Role: string(RoleSystem), Content: TextContent(s)}, nil
	}

	var blocks []map[string]any
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	text := ""
	for _, b := range blocks {
		if t, ok := b["text"].(string); ok {
			text += t
		}
	}
	if text == "" {
		return nil, nil
	}
	return &Message{Role: string(RoleSystem), Content: TextContent(text)}, nil
}

// anthropicMessageToInternal converts one Anthropic message (whose content
// may mix text, tool_use, and tool_result blocks) into one or more
// canonical messages: a tool_use block in an assistant turn becomes
// ToolCalls on the assistant message; a tool_result block in a user turn
// is promoted to its own tool-role message.
func anthropicMessageToInternal(m anthropicMsg) ([]Message, error) {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []Message{{Role: m.Role, Content: TextContent(asString)}}, nil
	}

	var blocks []map[string]any
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, err
	}
	blocks = StripCacheControl(blocks)

	var out []Message
	var textParts []Part
	var toolCalls []ToolCall

	flushText := func() {
		if len(textParts) > 0 {
			out = append(out, Message{Role: m.Role, Content: PartsContent(textParts...)})
			textParts = nil
		}
	}

	for _, b := range blocks {
		typeTag, _ := b["type"].(string)
		switch typeTag {
		case "tool_use":
			id, _ := b["id"].(string)
			name, _ := b["name"].(string)
			args := NormalizeToolArguments(b["input"])
			toolCalls = append(toolCalls, ToolCall{
				ID:       id, // Anthropic tool id preserved verbatim.
				Type:     "function",
				Function: FunctionCall{Name: name, Arguments: args},
			})
		case "tool_result":
			flushText()
			toolUseID, _ := b["tool_use_id"].(string)
			out = append(out, Message{
				Role:       string(RoleTool),
				ToolCallID: toolUseID,
				Content:    TextContent(stringifyToolResultContent(b["content"])),
			})
		default:
			if p, ok := contentPartFromBlock(b); ok {
				textParts = append(textParts, p)
			}
		}
	}
	flushText()

	if len(toolCalls) > 0 {
		// A turn mixing text and tool_use stays one assistant message with
		// both content and tool_calls, matching the OpenAI wire shape.
		last := len(out) - 1
		if last >= 0 && out[last].Role == m.Role && out[last].ToolCallID == "" && !out[last].HasToolCalls() {
			out[last].ToolCalls = toolCalls
		} else {
			out = append(out, Message{Role: m.Role, ToolCalls: toolCalls})
		}
	}

	if len(out) == 0 {
		out = append(out, Message{Role: m.Role, Content: NullContent()})
	}
	return out, nil
}

func stringifyToolResultContent(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case nil:
		return ""
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// normalizeAnthropicToolChoice maps Anthropic's tool_choice shape to the
// internal/OpenAI-compatible shape.
func normalizeAnthropicToolChoice(raw any) any {
	m, ok := raw.(map[string]any)
	if !ok {
		return raw // auto|none|required pass through unchanged, including nil.
	}
	switch m["type"] {
	case "any":
		return "required"
	case "tool":
		name, _ := m["name"].(string)
		return map[string]any{"type": "function", "function": map[string]any{"name": name}}
	default:
		return raw
	}
}

// ToAnthropicResponse converts a canonical assistant Message plus finish
// metadata into an Anthropic-dialect response body.
func ToAnthropicResponse(id, model string, msg Message, finishReason string, usage AnthropicUsage) AnthropicResponse {
	resp := AnthropicResponse{
		ID:    id,
		Type:  "message",
		Role:  "assistant",
		Model: model,
		Usage: usage,
	}

	if text := ContentAsPlainText(msg.Content); text != "" {
		resp.Content = append(resp.Content, AnthropicBlock{Type: "text", Text: text})
	}
	for _, tc := range msg.ToolCalls {
		var input any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		resp.Content = append(resp.Content, AnthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	resp.StopReason = anthropicStopReason(finishReason)
	return resp
}

// anthropicStopReason maps an OpenAI-dialect finish_reason to Anthropic's
// stop_reason vocabulary.
func anthropicStopReason(finishReason string) string {
	switch finishReason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}
