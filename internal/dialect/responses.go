package dialect

// ResponsesInputItem is one element of the upstream "responses" dialect's
// input list.
type ResponsesInputItem struct {
	Type string `json:"type"`

	// message
	Role    string `json:"role,omitempty"`
	Content []Part `json:"content,omitempty"`

	// function_call
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`
}

// ResponsesTool is a tool definition in the upstream "responses" dialect.
type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict"`
}

// ResponsesRequest is the body shape this proxy sends to an upstream model
// that only declares /responses among its supported_endpoints.
type ResponsesRequest struct {
	Model        string               `json:"model"`
	Instructions string               `json:"instructions,omitempty"`
	Input        []ResponsesInputItem `json:"input"`
	Tools        []ResponsesTool      `json:"tools,omitempty"`
	Stream       bool                 `json:"stream,omitempty"`
	Temperature  *float64             `json:"temperature,omitempty"`
	MaxTokens    *int                 `json:"max_output_tokens,omitempty"`
	TopP         *float64             `json:"top_p,omitempty"`
}

// ToResponsesRequest bridges a canonical Envelope to the upstream
// responses dialect for models that don't accept chat/completions input
// directly. System/developer messages are hoisted into top-level
// instructions; everything else becomes an input item.
func ToResponsesRequest(env *Envelope) ResponsesRequest {
	req := ResponsesRequest{
		Model:       env.Model,
		Stream:      env.Stream,
		Temperature: env.Temperature,
		MaxTokens:   env.MaxTokens,
		TopP:        env.TopP,
	}

	var instructions []string
	for _, m := range env.Messages {
		switch {
		case m.Role == string(RoleSystem) || m.Role == string(RoleDeveloper):
			if t := ContentAsPlainText(m.Content); t != "" {
				instructions = append(instructions, t)
			}

		case m.Role == string(RoleAssistant) && m.HasToolCalls():
			for _, tc := range m.ToolCalls {
				req.Input = append(req.Input, ResponsesInputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if !m.Content.IsEmpty() {
				req.Input = append(req.Input, ResponsesInputItem{
					Type:    "message",
					Role:    m.Role,
					Content: contentToParts(m.Content),
				})
			}

		case m.Role == string(RoleTool):
			req.Input = append(req.Input, ResponsesInputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: ContentAsPlainText(m.Content),
			})

		default:
			req.Input = append(req.Input, ResponsesInputItem{
				Type:    "message",
				Role:    m.Role,
				Content: contentToParts(m.Content),
			})
		}
	}

	if len(instructions) > 0 {
		joined := instructions[0]
		for _, s := range instructions[1:] {
			joined += "\n\n" + s
		}
		req.Instructions = joined
	}

	for _, t := range env.Tools {
		req.Tools = append(req.Tools, ResponsesTool{
			Type:        "function",
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
			Strict:      nil,
		})
	}

	return req
}

func contentToParts(c Content) []Part {
	switch c.Kind {
	case ContentKindText:
		return []Part{TextPart(c.Text)}
	case ContentKindParts:
		return c.Parts
	default:
		return nil
	}
}

// ResponsesOutputItem is one element of a responses-dialect reply's
// `output` list.
type ResponsesOutputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponsesReply is the body shape returned by an upstream model answering
// in the responses dialect.
type ResponsesReply struct {
	ID     string                `json:"id"`
	Model  string                `json:"model"`
	Output []ResponsesOutputItem `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// FromResponsesReply converts a responses-dialect reply back into a
// canonical assistant Message plus the OpenAI-style finish_reason.
func FromResponsesReply(reply ResponsesReply) (Message, string) {
	msg := Message{Role: string(RoleAssistant)}
	var textParts []Part

	for _, item := range reply.Output {
		switch item.Type {
		case "function_call":
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       item.CallID,
				Type:     "function",
				Function: FunctionCall{Name: item.Name, Arguments: args},
			})
		case "message":
			for _, c := range item.Content {
				if c.Text != "" {
					textParts = append(textParts, TextPart(c.Text))
				}
			}
		}
	}

	if len(textParts) == 1 && textParts[0].Type == PartTypeText {
		msg.Content = TextContent(textParts[0].Text)
	} else if len(textParts) > 0 {
		msg.Content = PartsContent(textParts...)
	} else {
		msg.Content = NullContent()
	}

	finishReason := "stop"
	if len(msg.ToolCalls) > 0 {
		finishReason = "tool_calls"
	}
	return msg, finishReason
}

// SupportsResponsesOnly reports whether a model's declared
// supported_endpoints metadata means the chat/completions path must
// bridge through the responses dialect instead of dispatching directly.
func SupportsResponsesOnly(supportedEndpoints []string) bool {
	hasResponses, hasChat := false, false
	for _, e := range supportedEndpoints {
		switch e {
		case "/responses":
			hasResponses = true
		case "/chat/completions":
			hasChat = true
		}
	}
	return hasResponses && !hasChat
}
