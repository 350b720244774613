// Package stream forwards upstream SSE events to the client in the
// client's own dialect: OpenAI chat-completion chunks terminated by
// `[DONE]`, or Anthropic named events. It also synthesizes a streaming
// sequence from a single non-streaming upstream response, and implements
// the mid-stream-error and client-disconnect protocols.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/dialect"
)

// ToolCallDelta is one index-keyed tool-call fragment within a chunk.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is the incremental content of one streamed chunk.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// Chunk is one dialect-independent unit the forwarder consumes, whether
// read directly off an upstream SSE stream or synthesized from a
// complete non-streaming response.
type Chunk struct {
	ID           string
	Model        string
	Delta        Delta
	FinishReason string
	Usage        *Usage
	Ping         bool
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Source yields the next upstream chunk, or io.EOF when the stream ends
// cleanly, or any other error on a mid-stream failure.
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// Sink is where encoded client-dialect frames are written. Flush is
// called after every frame so the client sees it immediately.
type Sink interface {
	io.Writer
	Flush()
}

// Dialect selects the client-facing wire framing.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
)

// Forward drives chunks from src to sink in the given dialect until src
// is exhausted, fails, or ctx is cancelled; errors from writes to sink
// are ignored and do not stop the loop. It returns
// the trailing finish reason observed and whether any tool-call delta
// was ever emitted, for post-hoc history/logging.
//
// On ctx cancellation (client disconnect) it stops reading upstream and
// attempts one best-effort terminating `[DONE]` write, swallowing any
// write failure. On a mid-stream upstream error it emits the
// error-terminator protocol: never `finish_reason: tool_calls`, and no
// content delta once tool-call deltas have already streamed.
func Forward(ctx context.Context, src Source, sink Sink, d Dialect) (finishReason string, sawToolCalls bool) {
	enc := newEncoder(d, sink)
	sawAnyChunk := false

	for {
		select {
		case <-ctx.Done():
			gmw.GetLogger(ctx).Debug("client disconnected, terminating stream")
			enc.writeDone()
			return finishReason, sawToolCalls
		default:
		}

		chunk, err := src.Next(ctx)
		if err != nil {
			if err == io.EOF {
				enc.writeDone()
				return finishReason, sawToolCalls
			}
			gmw.GetLogger(ctx).Error("upstream stream failed mid-flight",
				zap.Bool("tool_calls_streamed", sawToolCalls),
				zap.String("trailing_finish_reason", finishReason),
				zap.Error(err),
			)
			enc.writeErrorTerminator(sawToolCalls)
			enc.writeDone()
			return "stop", sawToolCalls
		}

		if chunk.Ping {
			enc.writePing(sawAnyChunk, chunk)
			continue
		}

		sawAnyChunk = true
		if len(chunk.Delta.ToolCalls) > 0 {
			sawToolCalls = true
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		enc.writeChunk(chunk)
	}
}

// SynthesizeFromResponse turns a complete non-streaming Message into the
// chunk sequence a streaming client expects: role-only first chunk,
// content deltas, tool-call deltas (one per call, index-keyed), a
// terminal empty-delta chunk carrying finish_reason and usage, then
// `[DONE]`.
func SynthesizeFromResponse(id, model string, msg dialect.Message, finishReason string, usage Usage) []Chunk {
	chunks := []Chunk{{ID: id, Model: model, Delta: Delta{Role: "assistant"}}}

	if text := dialect.ContentAsPlainText(msg.Content); text != "" {
		chunks = append(chunks, Chunk{ID: id, Model: model, Delta: Delta{Content: text}})
	}

	for i, tc := range msg.ToolCalls {
		chunks = append(chunks, Chunk{
			ID: id, Model: model,
			Delta: Delta{ToolCalls: []ToolCallDelta{{
				Index: i, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
			}}},
		})
	}

	u := usage
	chunks = append(chunks, Chunk{ID: id, Model: model, Delta: Delta{}, FinishReason: finishReason, Usage: &u})
	return chunks
}

// sliceSource adapts a pre-built []Chunk (e.g. from SynthesizeFromResponse)
// into a Source.
type sliceSource struct {
	chunks []Chunk
	pos    int
}

// NewSliceSource wraps a fixed chunk sequence as a Source.
func NewSliceSource(chunks []Chunk) Source { return &sliceSource{chunks: chunks} }

func (s *sliceSource) Next(ctx context.Context) (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

// encoder renders Chunks into the wire framing for one Dialect.
type encoder struct {
	d    Dialect
	w    Sink
	sent bool // true once content_block_start has been emitted (Anthropic)
}

func newEncoder(d Dialect, w Sink) *encoder {
	return &encoder{d: d, w: w}
}

func (e *encoder) writeChunk(c Chunk) {
	switch e.d {
	case DialectAnthropic:
		e.writeAnthropicChunk(c)
	default:
		e.writeOpenAIChunk(c)
	}
}

func (e *encoder) writeOpenAIChunk(c Chunk) {
	payload := map[string]any{
		"id":      c.ID,
		"object":  "chat.completion.chunk",
		"model":   c.Model,
		"choices": []map[string]any{{"index": 0, "delta": deltaToMap(c.Delta), "finish_reason": nilIfEmpty(c.FinishReason)}},
	}
	if c.Usage != nil {
		payload["usage"] = c.Usage
	}
	e.writeSSE("", payload)
}

func deltaToMap(d Delta) map[string]any {
	m := map[string]any{}
	if d.Role != "" {
		m["role"] = d.Role
	}
	if d.Content != "" {
		m["content"] = d.Content
	}
	if len(d.ToolCalls) > 0 {
		tcs := make([]map[string]any, len(d.ToolCalls))
		for i, tc := range d.ToolCalls {
			entry := map[string]any{"index": tc.Index}
			if tc.ID != "" {
				entry["id"] = tc.ID
				entry["type"] = "function"
			}
			fn := map[string]any{}
			if tc.Name != "" {
				fn["name"] = tc.Name
			}
			if tc.Arguments != "" {
				fn["arguments"] = tc.Arguments
			}
			if len(fn) > 0 {
				entry["function"] = fn
			}
			tcs[i] = entry
		}
		m["tool_calls"] = tcs
	}
	return m
}

func (e *encoder) writeAnthropicChunk(c Chunk) {
	if !e.sent {
		e.writeSSE("message_start", map[string]any{"type": "message_start", "message": map[string]any{"id": c.ID, "model": c.Model, "role": "assistant"}})
		e.writeSSE("content_block_start", map[string]any{"type": "content_block_start", "index": 0, "content_block": map[string]any{"type": "text", "text": ""}})
		e.sent = true
	}
	if c.Delta.Content != "" {
		e.writeSSE("content_block_delta", map[string]any{"type": "content_block_delta", "index": 0, "delta": map[string]any{"type": "text_delta", "text": c.Delta.Content}})
	}
	for _, tc := range c.Delta.ToolCalls {
		if tc.ID != "" {
			e.writeSSE("content_block_start", map[string]any{"type": "content_block_start", "index": tc.Index + 1, "content_block": map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name}})
		}
		if tc.Arguments != "" {
			e.writeSSE("content_block_delta", map[string]any{"type": "content_block_delta", "index": tc.Index + 1, "delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Arguments}})
		}
	}
	if c.FinishReason != "" {
		e.writeSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		e.writeSSE("message_delta", map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": anthropicStopReason(c.FinishReason)}, "usage": c.Usage})
		e.writeSSE("message_stop", map[string]any{"type": "message_stop"})
	}
}

func anthropicStopReason(finishReason string) string {
	switch finishReason {
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return finishReason
	}
}

// writePing emits upstream keep-alive events: before any real chunk has
// flowed, a bare SSE comment/ping; afterward, an empty-delta chunk
// bearing the chunk's id/model so clients reading only `data:` lines
// still see a heartbeat.
func (e *encoder) writePing(haveSentData bool, c Chunk) {
	if !haveSentData {
		_, _ = io.WriteString(e.w, ": ping\n\n")
		e.w.Flush()
		return
	}
	if e.d == DialectAnthropic {
		e.writeSSE("ping", map[string]any{"type": "ping"})
		return
	}
	e.writeOpenAIChunk(Chunk{ID: c.ID, Model: c.Model, Delta: Delta{}})
}

// writeErrorTerminator implements the two mid-stream-error rules: never
// finish_reason=tool_calls, and no content delta once tool-call deltas
// have already streamed.
func (e *encoder) writeErrorTerminator(sawToolCalls bool) {
	if e.d == DialectAnthropic {
		if e.sent {
			e.writeSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
		}
		e.writeSSE("message_delta", map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": "end_turn"}})
		e.writeSSE("message_stop", map[string]any{"type": "message_stop"})
		return
	}
	_ = sawToolCalls // rule 2 is inherent: we never inject a content delta here regardless
	e.writeOpenAIChunk(Chunk{Delta: Delta{}, FinishReason: "stop"})
}

func (e *encoder) writeDone() {
	// The [DONE] sentinel belongs to OpenAI chunk framing only; Anthropic
	// streams terminate with the message_stop event instead.
	if e.d == DialectAnthropic {
		return
	}
	_, _ = io.WriteString(e.w, "data: [DONE]\n\n")
	e.w.Flush()
}

func (e *encoder) writeSSE(event string, payload any) {
	data, _ := json.Marshal(payload)
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, _ = io.WriteString(e.w, b.String())
	e.w.Flush()
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ParseSSELine is a minimal upstream-SSE line reader, exposed for Source
// implementations that read raw `event:`/`data:` framing off an
// upstream http.Response.Body.
func ParseSSELine(r *bufio.Reader) (event, data string, err error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			return event, data, nil
		}
	}
}
