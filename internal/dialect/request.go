package dialect

import (
	"encoding/json"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
)

// Tool is a function-calling tool definition.
type Tool struct {
	Type     string          `json:"type"`
	Function ToolFunctionDef `json:"function"`
}

// ToolFunctionDef is the function body of a Tool.
type ToolFunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

// ResponseFormat mirrors the OpenAI response_format envelope.
type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *ResponseSchema `json:"json_schema,omitempty"`
}

// ResponseSchema is the json_schema sub-object of ResponseFormat.
type ResponseSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema,omitempty"`
	Strict *bool          `json:"strict,omitempty"`
}

// Envelope is the canonical {model, messages, ...options} request produced
// by request normalization and consumed by every downstream translator,
// the cache fingerprint, the truncator, and the dispatcher.
type Envelope struct {
	Model  string    `json:"model"`
	Stream bool      `json:"stream"`

	Messages []Message `json:"-"`
	Tools    []Tool    `json:"-"`

	Temperature      *float64        `json:"temperature,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	Stop             any             `json:"stop,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	ToolChoice       any             `json:"tool_choice,omitempty"`
	User             string          `json:"user,omitempty"`
	LogitBias        map[string]int  `json:"logit_bias,omitempty"`
	Logprobs         *bool           `json:"logprobs,omitempty"`
	N                *int            `json:"n,omitempty"`

	// CredentialID is folded into the cache fingerprint but is not part
	// of the client-visible envelope.
	CredentialID string `json:"-"`
}

// rawMessage mirrors the wire shape of a single OpenAI-dialect message
// before normalization into the canonical Message.
type rawMessage struct {
	Role       string `json:"role"`
	Content    any    `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments any    `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

// rawRequest mirrors the top-level wire shape accepted by the chat/
// completions and responses endpoints before normalization.
type rawRequest struct {
	Model    string       `json:"model"`
	Messages *json.RawMessage `json:"messages"`
	Prompt   *json.RawMessage `json:"prompt"`
	Input    *json.RawMessage `json:"input"`

	Stream           *bool           `json:"stream"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int            `json:"max_tokens"`
	TopP             *float64        `json:"top_p"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	Seed             *int            `json:"seed"`
	Stop             any             `json:"stop"`
	ResponseFormat   *ResponseFormat `json:"response_format"`
	ToolChoice       any             `json:"tool_choice"`
	User             string          `json:"user"`
	LogitBias        map[string]int  `json:"logit_bias"`
	Logprobs         *bool           `json:"logprobs"`
	N                *int            `json:"n"`
	Tools            []Tool          `json:"tools"`
}

// NormalizeChatRequest parses raw client JSON (OpenAI chat/completions
// dialect) into the canonical Envelope.
func NormalizeChatRequest(body []byte) (*Envelope, *apierr.Error) {
	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.InvalidRequest("malformed JSON body: %s", err.Error())
	}
	if raw.Model == "" {
		return nil, apierr.InvalidRequest("missing required field: model")
	}

	env := &Envelope{
		Model:            raw.Model,
		Stream:           raw.Stream != nil && *raw.Stream,
		Temperature:      raw.Temperature,
		MaxTokens:        raw.MaxTokens,
		TopP:             raw.TopP,
		FrequencyPenalty: raw.FrequencyPenalty,
		PresencePenalty:  raw.PresencePenalty,
		Seed:             raw.Seed,
		Stop:             raw.Stop,
		ResponseFormat:   raw.ResponseFormat,
		ToolChoice:       raw.ToolChoice,
		User:             raw.User,
		LogitBias:        raw.LogitBias,
		Logprobs:         raw.Logprobs,
		N:                raw.N,
		Tools:            raw.Tools,
	}

	msgs, aerr := resolveMessages(raw)
	if aerr != nil {
		return nil, aerr
	}
	env.Messages = msgs

	if aerr := validateEnvelope(env); aerr != nil {
		return nil, aerr
	}
	return env, nil
}

func resolveMessages(raw rawRequest) ([]Message, *apierr.Error) {
	if raw.Messages != nil {
		var arr []json.RawMessage
		if err := json.Unmarshal(*raw.Messages, &arr); err != nil {
			return nil, apierr.InvalidRequest("messages must be an array")
		}
		out := make([]Message, 0, len(arr))
		for _, item := range arr {
			var rm rawMessage
			if err := json.Unmarshal(item, &rm); err != nil {
				return nil, apierr.InvalidRequest("invalid message entry: %s", err.Error())
			}
			out = append(out, rawMessageToMessage(rm))
		}
		return out, nil
	}

	if raw.Prompt != nil {
		var s string
		if err := json.Unmarshal(*raw.Prompt, &s); err == nil && s != "" {
			return []Message{{Role: string(RoleUser), Content: TextContent(s)}}, nil
		}
	}

	if raw.Input != nil {
		return normalizeInputField(*raw.Input)
	}

	return nil, apierr.InvalidRequest("request must declare messages, prompt, or input")
}

func rawMessageToMessage(rm rawMessage) Message {
	m := Message{Role: rm.Role, Name: rm.Name, ToolCallID: rm.ToolCallID}
	m.Content = normalizeContentField(rm.Content)
	for _, tc := range rm.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: NormalizeToolArguments(tc.Function.Arguments),
			},
		})
	}
	return m
}

// normalizeInputField handles the Responses-API-style `input` field: a
// string, an array of typed items, or a single object.
func normalizeInputField(raw json.RawMessage) ([]Message, *apierr.Error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []Message{{Role: string(RoleUser), Content: TextContent(s)}}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		msg, err := inputItemToMessage(obj)
		if err != nil {
			return nil, apierr.InvalidRequest("invalid input object: %s", err.Error())
		}
		return []Message{*msg}, nil
	}

	var arr []map[string]any
	if err := json.Unmarshal(raw, &arr); err == nil {
		out := make([]Message, 0, len(arr))
		for _, item := range arr {
			msg, err := inputItemToMessage(item)
			if err != nil {
				return nil, apierr.InvalidRequest("invalid input item: %s", err.Error())
			}
			out = append(out, *msg)
		}
		return out, nil
	}

	return nil, apierr.InvalidRequest("input must be a string, object, or array of typed items")
}

func inputItemToMessage(item map[string]any) (*Message, error) {
	typeTag, _ := item["type"].(string)
	switch typeTag {
	case "input_text":
		text, _ := item["text"].(string)
		return &Message{Role: string(RoleUser), Content: TextContent(text)}, nil
	case "output_text":
		text, _ := item["text"].(string)
		return &Message{Role: string(RoleAssistant), Content: TextContent(text)}, nil
	case "message":
		role, _ := item["role"].(string)
		if role == "" {
			role = string(RoleUser)
		}
		rm, _ := json.Marshal(item)
		var parsed rawMessage
		if err := json.Unmarshal(rm, &parsed); err != nil {
			return nil, err
		}
		parsed.Role = role
		m := rawMessageToMessage(parsed)
		return &m, nil
	default:
		// Fall through: pass through as text via JSON serialization.
		b, _ := json.Marshal(item)
		return &Message{Role: string(RoleUser), Content: TextContent(string(b))}, nil
	}
}
