package orchestrator

import (
	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/stream"
)

// chatMessageWire is the OpenAI chat/completions wire shape this proxy
// dispatches upstream, the mirror image of dialect's unexported
// rawMessage on the way in.
type chatMessageWire struct {
	Role       string             `json:"role"`
	Content    any                `json:"content"`
	Name       string             `json:"name,omitempty"`
	ToolCallID string             `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCallWire `json:"tool_calls,omitempty"`
}

type chatToolCallWire struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionWire `json:"function"`
}

type chatFunctionWire struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatRequestWire struct {
	Model            string                  `json:"model"`
	Messages         []chatMessageWire       `json:"messages"`
	Stream           bool                    `json:"stream"`
	Temperature      *float64                `json:"temperature,omitempty"`
	MaxTokens        *int                    `json:"max_tokens,omitempty"`
	TopP             *float64                `json:"top_p,omitempty"`
	FrequencyPenalty *float64                `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                `json:"presence_penalty,omitempty"`
	Seed             *int                    `json:"seed,omitempty"`
	Stop             any                     `json:"stop,omitempty"`
	ResponseFormat   *dialect.ResponseFormat `json:"response_format,omitempty"`
	ToolChoice       any                     `json:"tool_choice,omitempty"`
	User             string                  `json:"user,omitempty"`
	LogitBias        map[string]int          `json:"logit_bias,omitempty"`
	Logprobs         *bool                   `json:"logprobs,omitempty"`
	N                *int                    `json:"n,omitempty"`
	Tools            []dialect.Tool          `json:"tools,omitempty"`
}

// contentWire renders a canonical Content back to its OpenAI wire form:
// a plain string for text, nil for null, or a typed-part array.
func contentWire(c dialect.Content) any {
	switch c.Kind {
	case dialect.ContentKindText:
		return c.Text
	case dialect.ContentKindParts:
		parts := make([]map[string]any, 0, len(c.Parts))
		for _, p := range c.Parts {
			switch p.Type {
			case dialect.PartTypeText:
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			case dialect.PartTypeImageURL:
				if p.ImageURL != nil {
					img := map[string]any{"url": p.ImageURL.URL}
					if p.ImageURL.Detail != "" {
						img["detail"] = p.ImageURL.Detail
					}
					parts = append(parts, map[string]any{"type": "image_url", "image_url": img})
				}
			}
		}
		return parts
	default:
		return nil
	}
}

// buildChatWire renders env into the upstream chat/completions request
// body, decoding every client-facing tool-call id back to its upstream
// original via ids.
func buildChatWire(env *dialect.Envelope, ids *dialect.ToolIDCodec) chatRequestWire {
	msgs := make([]chatMessageWire, len(env.Messages))
	for i, m := range env.Messages {
		mw := chatMessageWire{Role: m.Role, Name: m.Name, Content: contentWire(m.Content)}
		if m.ToolCallID != "" {
			mw.ToolCallID = ids.Decode(m.ToolCallID)
		}
		for _, tc := range m.ToolCalls {
			mw.ToolCalls = append(mw.ToolCalls, chatToolCallWire{
				ID: ids.Decode(tc.ID), Type: "function",
				Function: chatFunctionWire{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}
		msgs[i] = mw
	}

	return chatRequestWire{
		Model: env.Model, Messages: msgs, Stream: env.Stream,
		Temperature: env.Temperature, MaxTokens: env.MaxTokens, TopP: env.TopP,
		FrequencyPenalty: env.FrequencyPenalty, PresencePenalty: env.PresencePenalty,
		Seed: env.Seed, Stop: env.Stop, ResponseFormat: env.ResponseFormat,
		ToolChoice: env.ToolChoice, User: env.User, LogitBias: env.LogitBias,
		Logprobs: env.Logprobs, N: env.N, Tools: env.Tools,
	}
}

// chatReplyWire is the non-streaming upstream chat/completions reply
// shape.
type chatReplyWire struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string `json:"role"`
			Content   any    `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage stream.Usage `json:"usage"`
}

// messageFromChatReply converts the first choice of a chatReplyWire into
// a canonical Message, encoding upstream tool-call ids via ids.
func messageFromChatReply(reply chatReplyWire, ids *dialect.ToolIDCodec) (dialect.Message, string) {
	if len(reply.Choices) == 0 {
		return dialect.Message{Role: string(dialect.RoleAssistant), Content: dialect.NullContent()}, "stop"
	}
	choice := reply.Choices[0]
	msg := dialect.Message{Role: string(dialect.RoleAssistant)}
	msg.Content = normalizeReplyContent(choice.Message.Content)
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, dialect.ToolCall{
			ID: ids.Encode(tc.ID), Type: "function",
			Function: dialect.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return msg, finish
}

// buildChatReplyOut renders a canonical Message back into the
// OpenAI-compatible chat/completions reply body sent to the client.
func buildChatReplyOut(id, model string, msg dialect.Message, finish string, usage stream.Usage) map[string]any {
	message := map[string]any{"role": msg.Role}
	if !msg.Content.IsEmpty() {
		message["content"] = dialect.ContentAsPlainText(msg.Content)
	} else {
		message["content"] = nil
	}
	if len(msg.ToolCalls) > 0 {
		tcs := make([]map[string]any, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			tcs[i] = map[string]any{
				"id": tc.ID, "type": "function",
				"function": map[string]any{"name": tc.Function.Name, "arguments": tc.Function.Arguments},
			}
		}
		message["tool_calls"] = tcs
	}

	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "message": message, "finish_reason": finish}},
		"usage":   usage,
	}
}

func normalizeReplyContent(raw any) dialect.Content {
	switch v := raw.(type) {
	case string:
		return dialect.TextContent(v)
	case nil:
		return dialect.NullContent()
	default:
		return dialect.TextContent("")
	}
}
