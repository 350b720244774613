package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/stream"
)

// ChatSSESource adapts an upstream OpenAI-chunk-shaped SSE response body
// into a stream.Source, re-encoding any tool-call id the upstream hands
// back through the codec so the client only ever sees the round-trip
// encoding.
type ChatSSESource struct {
	body  io.ReadCloser
	r     *bufio.Reader
	ids   *dialect.ToolIDCodec
	index map[string]int // upstream id -> chunk index, first-seen order
}

// NewChatSSESource wraps resp.Body; the caller remains responsible for
// closing resp.Body once the source is drained or abandoned.
func NewChatSSESource(resp *http.Response, ids *dialect.ToolIDCodec) *ChatSSESource {
	return &ChatSSESource{body: resp.Body, r: bufio.NewReader(resp.Body), ids: ids, index: map[string]int{}}
}

type chatChunkWire struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *stream.Usage `json:"usage"`
}

func (s *ChatSSESource) Next(ctx context.Context) (stream.Chunk, error) {
	event, data, err := stream.ParseSSELine(s.r)
	if err != nil {
		return stream.Chunk{}, err
	}
	if event == "ping" {
		return stream.Chunk{Ping: true}, nil
	}
	if data == "[DONE]" {
		return stream.Chunk{}, io.EOF
	}

	var wire chatChunkWire
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return stream.Chunk{}, err
	}

	c := stream.Chunk{ID: wire.ID, Model: wire.Model, Usage: wire.Usage}
	if len(wire.Choices) > 0 {
		ch := wire.Choices[0]
		c.FinishReason = ch.FinishReason
		c.Delta.Role = ch.Delta.Role
		c.Delta.Content = ch.Delta.Content
		for _, tc := range ch.Delta.ToolCalls {
			encoded := ""
			if tc.ID != "" {
				encoded = s.ids.Encode(tc.ID)
			}
			c.Delta.ToolCalls = append(c.Delta.ToolCalls, stream.ToolCallDelta{
				Index:     tc.Index,
				ID:        encoded,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return c, nil
}

// ResponsesSSESource adapts the upstream responses-dialect event stream
// (codex/reasoning models, spec §4.8.4) into the same stream.Chunk shape
// the forwarder consumes, tracking each function_call's upstream-assigned
// index so later argument deltas land on the right tool-call slot.
type ResponsesSSESource struct {
	body     io.ReadCloser
	r        *bufio.Reader
	ids      *dialect.ToolIDCodec
	callSlot map[string]int
	nextSlot int
	done     bool
}

// NewResponsesSSESource wraps resp.Body for the responses-dialect bridge.
func NewResponsesSSESource(resp *http.Response, ids *dialect.ToolIDCodec) *ResponsesSSESource {
	return &ResponsesSSESource{body: resp.Body, r: bufio.NewReader(resp.Body), ids: ids, callSlot: map[string]int{}}
}

type responsesEventWire struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
	Response struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

func (s *ResponsesSSESource) Next(ctx context.Context) (stream.Chunk, error) {
	if s.done {
		return stream.Chunk{}, io.EOF
	}

	event, data, err := stream.ParseSSELine(s.r)
	if err != nil {
		return stream.Chunk{}, err
	}
	if event == "ping" {
		return stream.Chunk{Ping: true}, nil
	}

	var wire responsesEventWire
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return stream.Chunk{}, err
	}

	switch wire.Type {
	case "response.output_text.delta":
		return stream.Chunk{ID: wire.Response.ID, Model: wire.Response.Model, Delta: stream.Delta{Content: wire.Delta}}, nil

	case "response.output_item.added":
		if wire.Item.Type != "function_call" {
			return stream.Chunk{ID: wire.Response.ID, Model: wire.Response.Model}, nil
		}
		slot := s.nextSlot
		s.nextSlot++
		s.callSlot[wire.Item.CallID] = slot
		return stream.Chunk{
			ID: wire.Response.ID, Model: wire.Response.Model,
			Delta: stream.Delta{ToolCalls: []stream.ToolCallDelta{{
				Index: slot, ID: s.ids.Encode(wire.Item.CallID), Name: wire.Item.Name,
			}}},
		}, nil

	case "response.function_call_arguments.delta":
		slot, ok := s.callSlot[wire.Item.CallID]
		if !ok {
			slot = s.nextSlot
			s.nextSlot++
			s.callSlot[wire.Item.CallID] = slot
		}
		return stream.Chunk{
			ID: wire.Response.ID, Model: wire.Response.Model,
			Delta: stream.Delta{ToolCalls: []stream.ToolCallDelta{{Index: slot, Arguments: wire.Delta}}},
		}, nil

	case "response.completed":
		s.done = true
		finish := "stop"
		if len(s.callSlot) > 0 {
			finish = "tool_calls"
		}
		return stream.Chunk{
			ID: wire.Response.ID, Model: wire.Response.Model,
			FinishReason: finish,
			Usage: &stream.Usage{
				PromptTokens:     wire.Response.Usage.InputTokens,
				CompletionTokens: wire.Response.Usage.OutputTokens,
				TotalTokens:      wire.Response.Usage.InputTokens + wire.Response.Usage.OutputTokens,
			},
		}, nil

	default:
		return stream.Chunk{ID: wire.Response.ID, Model: wire.Response.Model}, nil
	}
}
