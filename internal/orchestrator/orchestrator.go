// Package orchestrator implements the Request Orchestrator: the
// per-request state machine wiring every other component together —
// rate limiter, normalization/translation, cache, queue, dispatch via
// retry/fallback, streaming-or-synthesized response delivery, and
// history recording.
package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/google/uuid"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
	"github.com/Laisky/codeassist-proxy/internal/cache"
	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/history"
	"github.com/Laisky/codeassist-proxy/internal/metrics"
	"github.com/Laisky/codeassist-proxy/internal/models"
	"github.com/Laisky/codeassist-proxy/internal/pool"
	"github.com/Laisky/codeassist-proxy/internal/queue"
	"github.com/Laisky/codeassist-proxy/internal/ratelimit"
	"github.com/Laisky/codeassist-proxy/internal/retry"
	"github.com/Laisky/codeassist-proxy/internal/stream"
	"github.com/Laisky/codeassist-proxy/internal/tokenlifecycle"
	"github.com/Laisky/codeassist-proxy/internal/upstream"
)

// ResponseWriter is what a handler writes the client-facing response
// onto: the standard http.ResponseWriter plus the Flush gin's writer
// (and any SSE-capable writer) already provides.
type ResponseWriter interface {
	http.ResponseWriter
	Flush()
}

// Approver gates dispatch behind operator confirmation when the
// manual-approve flag is set. A nil Approver (or one that always returns
// nil) admits every request.
type Approver interface {
	Approve(ctx context.Context, model string) error
}

// Deps collects every collaborator the orchestrator drives. Production
// wiring constructs one Deps at startup; tests substitute fakes for the
// network-facing fields.
type Deps struct {
	Config         *config.Config
	Models         *models.Registry
	Cache          *cache.Cache
	Queue          *queue.Queue
	Limiter        *ratelimit.Limiter
	Tokens         *tokenlifecycle.Manager
	PoolOpts       pool.Options
	Dispatcher     *upstream.Dispatcher
	ToolIDs        *dialect.ToolIDCodec
	Estimator      interface {
		CountMessages([]dialect.Message) int
	}
	RequestHistory *history.RequestHistory
	CostHistory    *history.CostHistory
	CostCalc       history.CostCalculator
	Approver       Approver
}

// Orchestrator drives one proxy request end to end.
type Orchestrator struct {
	deps Deps
}

// New builds an Orchestrator over deps.
func New(deps Deps) *Orchestrator {
	if deps.CostCalc == nil {
		deps.CostCalc = history.NoOpCalculator{}
	}
	return &Orchestrator{deps: deps}
}

// HandleChatCompletions serves the OpenAI chat/completions dialect.
func (o *Orchestrator) HandleChatCompletions(ctx context.Context, body []byte, w ResponseWriter) *apierr.Error {
	env, aerr := dialect.NormalizeChatRequest(body)
	if aerr != nil {
		return aerr
	}
	return o.runEnvelope(ctx, env, stream.DialectOpenAI, w)
}

// HandleAnthropicMessages serves the Anthropic /v1/messages dialect.
func (o *Orchestrator) HandleAnthropicMessages(ctx context.Context, body []byte, w ResponseWriter) *apierr.Error {
	env, aerr := dialect.NormalizeAnthropicRequest(body)
	if aerr != nil {
		return aerr
	}
	return o.runEnvelope(ctx, env, stream.DialectAnthropic, w)
}

// HandleEmbeddings serves /embeddings: pass the request through to
// upstream after rate-limit, credential and retry handling, without
// dialect translation — embeddings carry no message history to sanitize,
// truncate, or cache. This path does not go through the request queue.
func (o *Orchestrator) HandleEmbeddings(ctx context.Context, body []byte, w ResponseWriter) *apierr.Error {
	if o.deps.Config.RateLimit.Enabled {
		if err := o.deps.Limiter.Acquire(); err != nil {
			return apierr.RateLimited("rate limit: minimum dispatch interval not elapsed")
		}
	}

	rec, aerr := o.acquireCredential(time.Now())
	if aerr != nil {
		return aerr
	}

	resp, outcome, err, _ := retry.Attempt(ctx, func(attempt int) (*http.Response, retry.Outcome, error) {
		headers := upstream.Headers(o.deps.Config, rec.SessionToken, rec.ID, nil)
		return o.deps.Dispatcher.DispatchEmbeddings(ctx, body, headers)
	})
	if err != nil {
		gmw.GetLogger(ctx).Error("embeddings dispatch failed",
			zap.String("credential", rec.ID),
			zap.Int("status_code", outcome.StatusCode),
			zap.Error(err),
		)
		o.reportPoolError(outcome, err)
		return mapDispatchErr(outcome, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		o.reportPoolError(retry.Outcome{StatusCode: resp.StatusCode}, nil)
		return upstreamErrorToAPIErr(resp.StatusCode, respBody, resp.Header)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
	return nil
}

// HandleResponses serves /responses: the upstream-native responses
// dialect passed straight through after rate-limit, credential and retry
// handling, with no translation — the caller already speaks the
// upstream's own wire shape. This path does not go through the request
// queue.
func (o *Orchestrator) HandleResponses(ctx context.Context, body []byte, w ResponseWriter) *apierr.Error {
	if o.deps.Config.RateLimit.Enabled {
		if err := o.deps.Limiter.Acquire(); err != nil {
			return apierr.RateLimited("rate limit: minimum dispatch interval not elapsed")
		}
	}

	rec, aerr := o.acquireCredential(time.Now())
	if aerr != nil {
		return aerr
	}

	resp, outcome, err, _ := retry.Attempt(ctx, func(attempt int) (*http.Response, retry.Outcome, error) {
		headers := upstream.Headers(o.deps.Config, rec.SessionToken, rec.ID, nil)
		return o.deps.Dispatcher.DispatchResponses(ctx, body, headers)
	})
	if err != nil {
		gmw.GetLogger(ctx).Error("responses dispatch failed",
			zap.String("credential", rec.ID),
			zap.Int("status_code", outcome.StatusCode),
			zap.Error(err),
		)
		o.reportPoolError(outcome, err)
		return mapDispatchErr(outcome, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		o.reportPoolError(retry.Outcome{StatusCode: resp.StatusCode}, nil)
		return upstreamErrorToAPIErr(resp.StatusCode, respBody, resp.Header)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
	return nil
}

// runEnvelope is the shared C10 pipeline for chat/completions and
// Anthropic messages requests.
func (o *Orchestrator) runEnvelope(ctx context.Context, env *dialect.Envelope, clientDialect stream.Dialect, w ResponseWriter) *apierr.Error {
	start := time.Now()
	requestID := uuid.NewString()
	lg := gmw.GetLogger(ctx).With(zap.String("request_id", requestID))

	if o.deps.Config.RateLimit.Enabled {
		if err := o.deps.Limiter.Acquire(); err != nil {
			return apierr.RateLimited("rate limit: minimum dispatch interval not elapsed")
		}
	}

	env.Model = models.NormalizeModelID(env.Model)
	model, ok := o.deps.Models.Lookup(env.Model)
	if !ok {
		return apierr.InvalidRequest("unknown model: %s", env.Model)
	}

	lg.Debug("handling dialect request",
		zap.String("model", env.Model),
		zap.Bool("stream", env.Stream),
		zap.Int("messages", len(env.Messages)),
		zap.Int("tools", len(env.Tools)),
	)

	env.Tools = dialect.SanitizeTools(env.Tools)
	env.Messages = dialect.RelinkToolResults(env.Messages)
	budget := dialect.ResolveBudget(models.ToLimits(model))
	env.Messages = dialect.TruncateMessages(env.Messages, budget, o.deps.Estimator.CountMessages)

	// Resolve the pool's notion of "current" up front: it labels history
	// entries and folds into the cache fingerprint, so two credentials
	// never share a cached reply.
	env.CredentialID = o.currentCredentialID(time.Now())

	hasTools := len(env.Tools) > 0
	if o.deps.Config.Cache.Enabled && cache.Eligible(env.Stream, hasTools) {
		fp := cache.Fingerprint(env)
		if entry, hit := o.deps.Cache.Get(fp); hit {
			lg.Debug("serving cached reply", zap.String("fingerprint", fp))
			o.writeCachedReply(requestID, entry, env.Model, clientDialect, w)
			o.deps.RequestHistory.Record(history.Entry{
				ID: requestID, Timestamp: time.Now(), Model: env.Model, Status: history.StatusCached,
				StatusCode: http.StatusOK, PromptTokens: entry.InputTokens, OutputTokens: entry.OutputTokens,
				DurationMS: time.Since(start).Milliseconds(),
			})
			return nil
		}
	}

	if o.deps.Config.ManualApprove && o.deps.Approver != nil {
		if err := o.deps.Approver.Approve(ctx, env.Model); err != nil {
			return apierr.New(http.StatusForbidden, apierr.TypeInvalidRequest, "request_rejected", "operator rejected the request")
		}
	}

	var item *queue.Item
	if !env.Stream && o.deps.Config.Queue.Enabled {
		it, err := o.deps.Queue.Enqueue(requestID, 0)
		if err != nil {
			return mapQueueEnqueueErr(err)
		}
		item = it
		if err := o.deps.Queue.Wait(ctx, item); err != nil {
			return o.handleQueueWaitErr(err, requestID, env.Model, start)
		}
		defer o.deps.Queue.Release(item)
	}

	rec, aerr := o.acquireCredential(time.Now())
	if aerr != nil {
		lg.Warn("no upstream credential available", zap.String("model", env.Model))
		o.recordError(requestID, env.Model, 0, aerr, start)
		return aerr
	}

	resp, outcome, finalModel, err := o.dispatchWithRetryAndFallback(ctx, env, model, rec)
	if err != nil {
		o.reportPoolError(outcome, err)
		if ctx.Err() != nil {
			lg.Warn("request cancelled by client during dispatch",
				zap.String("model", env.Model),
				zap.String("credential", rec.ID),
			)
			o.deps.RequestHistory.Record(history.Entry{
				ID: requestID, Timestamp: time.Now(), Model: env.Model, CredentialID: rec.ID,
				Status: history.StatusCancelled, DurationMS: time.Since(start).Milliseconds(),
			})
			return nil
		}
		lg.Error("upstream dispatch failed after retries",
			zap.String("model", env.Model),
			zap.String("credential", rec.ID),
			zap.Int("status_code", outcome.StatusCode),
			zap.Bool("network_error", outcome.NetworkErr),
			zap.Error(err),
		)
		aerr := mapDispatchErr(outcome, err)
		o.recordError(requestID, env.Model, outcome.StatusCode, aerr, start)
		return aerr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		o.reportPoolError(retry.Outcome{StatusCode: resp.StatusCode}, nil)
		aerr := upstreamErrorToAPIErr(resp.StatusCode, body, resp.Header)
		lg.Warn("upstream returned error status",
			zap.String("model", finalModel.ID),
			zap.String("credential", rec.ID),
			zap.Int("status_code", resp.StatusCode),
			zap.String("upstream_message", aerr.Message),
		)
		o.recordError(requestID, env.Model, resp.StatusCode, aerr, start)
		return aerr
	}

	if env.Stream {
		return o.handleStreaming(ctx, resp, env, finalModel, clientDialect, w, requestID, start, rec)
	}
	return o.handleNonStreaming(resp, env, finalModel, clientDialect, w, requestID, start, rec)
}

func primaryEndpoint(m models.Model) string {
	if dialect.SupportsResponsesOnly(m.SupportedEndpoints) {
		return "/responses"
	}
	return "/chat/completions"
}

func (o *Orchestrator) dispatchOnce(ctx context.Context, env *dialect.Envelope, model models.Model, rec *credential.Record) (*http.Response, retry.Outcome, error) {
	bridge := dialect.SupportsResponsesOnly(model.SupportedEndpoints)

	var payload []byte
	var err error
	if bridge {
		payload, err = json.Marshal(dialect.ToResponsesRequest(env))
	} else {
		payload, err = json.Marshal(buildChatWire(env, o.deps.ToolIDs))
	}
	if err != nil {
		return nil, retry.Outcome{}, errors.Wrap(err, "marshal upstream payload")
	}

	headers := upstream.Headers(o.deps.Config, rec.SessionToken, rec.ID, env.Messages)
	if bridge {
		return o.deps.Dispatcher.DispatchResponses(ctx, payload, headers)
	}
	return o.deps.Dispatcher.DispatchChat(ctx, payload, headers)
}

// dispatchWithRetryAndFallback implements C11: transient retries first,
// then at most one model-substitution fallback, never stacked.
func (o *Orchestrator) dispatchWithRetryAndFallback(ctx context.Context, env *dialect.Envelope, model models.Model, rec *credential.Record) (*http.Response, retry.Outcome, models.Model, error) {
	resp, outcome, err, _ := retry.Attempt(ctx, func(attempt int) (*http.Response, retry.Outcome, error) {
		return o.dispatchOnce(ctx, env, model, rec)
	})
	if err == nil {
		return resp, outcome, model, nil
	}
	if !o.deps.Config.ModelFallback || outcome.Aborted {
		return nil, outcome, model, err
	}

	var fallbackID string
	switch outcome.StatusCode {
	case http.StatusNotFound, http.StatusBadRequest:
		fallbackID = retry.FindSibling(models.ToInfo(model), o.deps.Models.Infos(), primaryEndpoint(model))
	case http.StatusTooManyRequests:
		fallbackID = retry.ResolveFallbackChain(o.deps.Config.FallbackChains[model.ID], o.deps.Models.Available)
	default:
		if outcome.NetworkErr {
			fallbackID = retry.ResolveFallbackChain(o.deps.Config.FallbackChains[model.ID], o.deps.Models.Available)
		}
	}
	if fallbackID == "" {
		return nil, outcome, model, err
	}
	fallbackModel, ok := o.deps.Models.Lookup(fallbackID)
	if !ok {
		return nil, outcome, model, err
	}
	gmw.GetLogger(ctx).Warn("substituting fallback model",
		zap.String("from", model.ID),
		zap.String("to", fallbackID),
		zap.Int("status_code", outcome.StatusCode),
		zap.Error(err),
	)
	metrics.Global.FallbackUsed(model.ID, fallbackID)

	fbEnv := *env
	fbEnv.Model = fallbackID
	resp2, outcome2, err2, _ := retry.Attempt(ctx, func(attempt int) (*http.Response, retry.Outcome, error) {
		return o.dispatchOnce(ctx, &fbEnv, fallbackModel, rec)
	})
	if err2 != nil {
		return nil, outcome2, model, err2
	}
	return resp2, outcome2, fallbackModel, nil
}

// currentCredentialID resolves the pool's current credential id under
// the store's mutation lock (GetCurrent may fall back to a fresh
// selection, which updates selection state).
func (o *Orchestrator) currentCredentialID(now time.Time) string {
	var id string
	credential.Mutate(func(st *credential.State) {
		id = pool.GetCurrent(st, o.deps.PoolOpts, now)
	})
	return id
}

// acquireCredential runs pool selection under the credential store's
// mutation lock, refreshing the session token as needed.
func (o *Orchestrator) acquireCredential(now time.Time) (*credential.Record, *apierr.Error) {
	var rec *credential.Record
	credential.Mutate(func(st *credential.State) {
		rec = pool.AcquireWithTokenRefresh(st, o.deps.PoolOpts, now, func(r *credential.Record) error {
			_, err := o.deps.Tokens.Acquire(r)
			return err
		})
	})
	if rec == nil {
		return nil, apierr.NoAccountsAvailable()
	}
	return rec, nil
}

// reportPoolError folds a dispatch outcome into the pool's error-kind
// taxonomy so auto-rotation can react.
func (o *Orchestrator) reportPoolError(outcome retry.Outcome, err error) {
	var kind pool.ErrorKind
	switch {
	case outcome.StatusCode == http.StatusTooManyRequests:
		kind = pool.ErrorRateLimit
	case outcome.StatusCode == http.StatusUnauthorized || outcome.StatusCode == http.StatusForbidden:
		kind = pool.ErrorAuth
	case outcome.StatusCode == http.StatusPaymentRequired:
		kind = pool.ErrorQuota
	case outcome.StatusCode >= 400 || outcome.NetworkErr:
		kind = pool.ErrorOther
	default:
		return
	}
	credential.Mutate(func(st *credential.State) {
		pool.ReportError(st, o.deps.PoolOpts, kind, nil, time.Now())
	})
}

func (o *Orchestrator) recordError(requestID, model string, statusCode int, aerr *apierr.Error, start time.Time) {
	o.deps.RequestHistory.Record(history.Entry{
		ID: requestID, Timestamp: time.Now(), Model: model, Status: history.StatusError,
		StatusCode: statusCode, Error: aerr.Message, DurationMS: time.Since(start).Milliseconds(),
	})
}

func mapQueueEnqueueErr(err error) *apierr.Error {
	switch err.(type) {
	case queue.ErrQueuePaused:
		return apierr.New(http.StatusServiceUnavailable, apierr.TypeOverloaded, "queue_paused", "request queue is paused")
	case queue.ErrQueueFull:
		return apierr.QueueFull()
	default:
		return apierr.Wrap(err)
	}
}

func (o *Orchestrator) handleQueueWaitErr(err error, requestID, model string, start time.Time) *apierr.Error {
	switch err.(type) {
	case queue.ErrQueueTimeout:
		aerr := apierr.New(http.StatusServiceUnavailable, apierr.TypeQueueFull, "queue_timeout", "timed out waiting for a queue slot")
		o.recordError(requestID, model, aerr.StatusCode, aerr, start)
		return aerr
	case queue.ErrQueueCleared:
		aerr := apierr.New(http.StatusServiceUnavailable, apierr.TypeQueueFull, "queue_cleared", "request queue was cleared")
		o.recordError(requestID, model, aerr.StatusCode, aerr, start)
		return aerr
	default:
		// context cancellation: the client disconnected while queued.
		o.deps.RequestHistory.Record(history.Entry{
			ID: requestID, Timestamp: time.Now(), Model: model, Status: history.StatusCancelled,
			DurationMS: time.Since(start).Milliseconds(),
		})
		return nil
	}
}

func mapDispatchErr(outcome retry.Outcome, err error) *apierr.Error {
	if outcome.StatusCode == http.StatusTooManyRequests {
		return apierr.RateLimited("upstream rate limit: %s", err.Error())
	}
	return apierr.New(http.StatusBadGateway, apierr.TypeOverloaded, "upstream_unavailable", "upstream dispatch failed: %s", err.Error())
}

// upstreamErrorToAPIErr maps a terminal upstream error body to the
// client-facing envelope: curated headers forwarded, double-wrapped
// bodies unwrapped one layer, and quota exhaustion remapped from 429 to
// 402 with retry-after stripped — a 429 invites agentic clients into a
// retry loop against a quota that won't recover until next month.
func upstreamErrorToAPIErr(statusCode int, body []byte, upstreamHeaders http.Header) *apierr.Error {
	message, code := normalizeUpstreamErrorBody(body)
	headers := apierr.CurateHeaders(upstreamHeaders)

	if retry.IsQuotaError(code, message) {
		headers.Del("Retry-After")
		return apierr.QuotaExceeded("%s", message).WithHeaders(headers)
	}
	if statusCode == http.StatusTooManyRequests {
		return apierr.RateLimited("%s", message).WithHeaders(headers)
	}
	errType := apierr.TypeGeneric
	if statusCode == http.StatusUnauthorized {
		errType = apierr.TypeAuthentication
	}
	return apierr.New(statusCode, errType, code, "%s", message).WithHeaders(headers)
}

// normalizeUpstreamErrorBody extracts {message, code} from an upstream
// error body. Some upstream errors double-wrap: the message field is
// itself a JSON string holding another {error:{message,code}} envelope —
// unwrap exactly one layer when detected.
func normalizeUpstreamErrorBody(body []byte) (message, code string) {
	var parsed apierr.Envelope
	_ = json.Unmarshal(body, &parsed)
	message = parsed.Error.Message
	code = parsed.Error.Code

	var inner apierr.Envelope
	if err := json.Unmarshal([]byte(message), &inner); err == nil && inner.Error.Message != "" {
		message = inner.Error.Message
		if inner.Error.Code != "" {
			code = inner.Error.Code
		}
	}

	if message == "" {
		message = string(body)
	}
	return message, code
}
