package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
	"github.com/Laisky/codeassist-proxy/internal/cache"
	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/history"
	"github.com/Laisky/codeassist-proxy/internal/models"
	"github.com/Laisky/codeassist-proxy/internal/stream"
	"github.com/Laisky/codeassist-proxy/internal/upstream"
)

// cachedReply is the reduced shape stored in the Request Cache: plain
// text only, since Eligible already excludes every request that could
// have produced tool calls.
type cachedReply struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

// handleNonStreaming reads a complete upstream reply, translates it into
// the client's dialect, writes it, records history and cost, and caches
// it when eligible.
func (o *Orchestrator) handleNonStreaming(resp *http.Response, env *dialect.Envelope, model models.Model, clientDialect stream.Dialect, w ResponseWriter, requestID string, start time.Time, rec *credential.Record) *apierr.Error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		aerr := apierr.Wrap(err)
		o.recordError(requestID, env.Model, http.StatusBadGateway, aerr, start)
		return aerr
	}

	msg, finish, usage := o.decodeReply(body, model)
	cost := o.deps.CostCalc.Cost(env.Model, usage.PromptTokens, usage.CompletionTokens)

	if o.deps.Config.Cache.Enabled && cache.Eligible(env.Stream, len(env.Tools) > 0) && len(msg.ToolCalls) == 0 {
		payload, _ := json.Marshal(cachedReply{Content: dialect.ContentAsPlainText(msg.Content), FinishReason: finish})
		o.deps.Cache.Set(cache.Fingerprint(env), cache.Entry{
			Response: payload, Model: env.Model,
			InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens,
		})
	}

	o.writeFinalReply(requestID, env.Model, msg, finish, usage, clientDialect, w)

	o.deps.RequestHistory.Record(history.Entry{
		ID: requestID, Timestamp: time.Now(), Model: env.Model, CredentialID: rec.ID,
		Status: history.StatusSuccess, StatusCode: http.StatusOK,
		PromptTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens,
		CostUSD: cost, DurationMS: time.Since(start).Milliseconds(),
	})
	o.deps.CostHistory.Record(history.Entry{
		ID: requestID, Timestamp: time.Now(), Model: env.Model, CredentialID: rec.ID,
		PromptTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens, CostUSD: cost,
	})
	return nil
}

// handleStreaming forwards an upstream SSE (or bridged responses-dialect)
// stream to the client in clientDialect, recording history once the
// stream drains.
func (o *Orchestrator) handleStreaming(ctx context.Context, resp *http.Response, env *dialect.Envelope, model models.Model, clientDialect stream.Dialect, w ResponseWriter, requestID string, start time.Time, rec *credential.Record) *apierr.Error {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var src stream.Source
	if isEventStream(resp) {
		if dialect.SupportsResponsesOnly(model.SupportedEndpoints) {
			src = upstream.NewResponsesSSESource(resp, o.deps.ToolIDs)
		} else {
			src = upstream.NewChatSSESource(resp, o.deps.ToolIDs)
		}
	} else {
		// Upstream ignored the streaming request and replied with a
		// complete body (spec §4.9): synthesize the chunk sequence a
		// streaming client expects instead of forwarding raw SSE.
		body, _ := io.ReadAll(resp.Body)
		msg, finish, usage := o.decodeReply(body, model)
		src = stream.NewSliceSource(stream.SynthesizeFromResponse(requestID, env.Model, msg, finish, usage))
	}

	finish, sawToolCalls := stream.Forward(ctx, src, w, clientDialect)

	lg := gmw.GetLogger(ctx)
	status := history.StatusSuccess
	if ctx.Err() != nil {
		status = history.StatusCancelled
		lg.Warn("client disconnected mid-stream",
			zap.String("model", env.Model),
			zap.String("credential", rec.ID),
		)
	} else {
		lg.Debug("stream completed",
			zap.String("model", env.Model),
			zap.String("finish_reason", finish),
			zap.Bool("tool_calls", sawToolCalls),
		)
	}
	o.deps.RequestHistory.Record(history.Entry{
		ID: requestID, Timestamp: time.Now(), Model: env.Model, CredentialID: rec.ID,
		Status: status, StatusCode: http.StatusOK, DurationMS: time.Since(start).Milliseconds(),
	})
	return nil
}

// isEventStream reports whether resp is actually framed as SSE. Some
// upstream endpoints silently ignore stream:true for certain models and
// answer with a single JSON body instead.
func isEventStream(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/event-stream")
}

// decodeReply parses a non-streaming upstream body, bridging through the
// responses dialect when model requires it, and encoding tool-call ids
// into client-facing form.
func (o *Orchestrator) decodeReply(body []byte, model models.Model) (dialect.Message, string, stream.Usage) {
	if dialect.SupportsResponsesOnly(model.SupportedEndpoints) {
		var reply dialect.ResponsesReply
		_ = json.Unmarshal(body, &reply)
		msg, finish := dialect.FromResponsesReply(reply)
		for i := range msg.ToolCalls {
			msg.ToolCalls[i].ID = o.deps.ToolIDs.Encode(msg.ToolCalls[i].ID)
		}
		usage := stream.Usage{
			PromptTokens:     reply.Usage.InputTokens,
			CompletionTokens: reply.Usage.OutputTokens,
			TotalTokens:      reply.Usage.InputTokens + reply.Usage.OutputTokens,
		}
		return msg, finish, usage
	}

	var reply chatReplyWire
	_ = json.Unmarshal(body, &reply)
	msg, finish := messageFromChatReply(reply, o.deps.ToolIDs)
	return msg, finish, reply.Usage
}

// writeFinalReply renders msg/finish/usage into the client's dialect as
// one JSON body. Streaming clients never reach it: handleStreaming
// synthesizes their chunk sequence itself.
func (o *Orchestrator) writeFinalReply(requestID, model string, msg dialect.Message, finish string, usage stream.Usage, clientDialect stream.Dialect, w ResponseWriter) {
	if clientDialect == stream.DialectAnthropic {
		resp := dialect.ToAnthropicResponse(requestID, model, msg, finish, dialect.AnthropicUsage{
			InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens,
		})
		body, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}

	body, _ := json.Marshal(buildChatReplyOut(requestID, model, msg, finish, usage))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeCachedReply replays a cached text-only reply to the client as one
// JSON body; cache.Eligible admits only non-streaming requests, so a
// cache hit never has to be rendered as a stream.
func (o *Orchestrator) writeCachedReply(requestID string, entry cache.Entry, model string, clientDialect stream.Dialect, w ResponseWriter) {
	var cr cachedReply
	_ = json.Unmarshal(entry.Response, &cr)
	msg := dialect.Message{Role: string(dialect.RoleAssistant), Content: dialect.TextContent(cr.Content)}
	usage := stream.Usage{PromptTokens: entry.InputTokens, CompletionTokens: entry.OutputTokens, TotalTokens: entry.InputTokens + entry.OutputTokens}
	o.writeFinalReply(requestID, model, msg, cr.FinishReason, usage, clientDialect, w)
}
