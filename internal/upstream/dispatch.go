package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	laierrors "github.com/Laisky/errors/v2"
	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/metrics"
	"github.com/Laisky/codeassist-proxy/internal/retry"
)

// Dispatcher issues the actual upstream HTTP calls for each endpoint,
// classifying every attempt into the retry.Outcome shape C11 decides on.
type Dispatcher struct {
	cfg         *config.Config
	chatClient  *http.Client
	embedClient *http.Client
}

// NewDispatcher builds a Dispatcher with one client per endpoint timeout
// class (spec §5), honoring the environment override for the chat-call
// timeout. The model catalog is served from the static registry, so no
// models-list client is constructed here.
func NewDispatcher(cfg *config.Config) *Dispatcher {
	chatTimeout := ChatCompletionTimeout
	if cfg.UpstreamTimeoutSeconds > 0 {
		chatTimeout = time.Duration(cfg.UpstreamTimeoutSeconds) * time.Second
	}
	return &Dispatcher{
		cfg:         cfg,
		chatClient:  NewHTTPClient(cfg, chatTimeout),
		embedClient: NewHTTPClient(cfg, EmbeddingsTimeout),
	}
}

// DispatchChat POSTs payload to the chat/completions endpoint.
func (d *Dispatcher) DispatchChat(ctx context.Context, payload []byte, headers http.Header) (*http.Response, retry.Outcome, error) {
	return d.post(ctx, d.chatClient, "chat", payload, headers)
}

// DispatchResponses POSTs payload to the responses-dialect endpoint, used
// for models whose supported_endpoints bridges through §4.8.4.
func (d *Dispatcher) DispatchResponses(ctx context.Context, payload []byte, headers http.Header) (*http.Response, retry.Outcome, error) {
	return d.post(ctx, d.chatClient, "responses", payload, headers)
}

// DispatchEmbeddings POSTs payload to the embeddings endpoint.
func (d *Dispatcher) DispatchEmbeddings(ctx context.Context, payload []byte, headers http.Header) (*http.Response, retry.Outcome, error) {
	return d.post(ctx, d.embedClient, "embeddings", payload, headers)
}

var endpointPaths = map[string]string{
	"chat":       "/chat/completions",
	"responses":  "/responses",
	"embeddings": "/embeddings",
}

func (d *Dispatcher) url(endpoint string) string {
	return strings.TrimRight(d.cfg.UpstreamBaseURL, "/") + endpointPaths[endpoint]
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, endpoint string, payload []byte, headers http.Header) (*http.Response, retry.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url(endpoint), bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Outcome{}, laierrors.Wrap(err, "build upstream request")
	}
	req.Header = headers.Clone()

	start := time.Now()
	resp, err := client.Do(req)
	metrics.Global.DispatchLatency(endpoint, time.Since(start))
	if err != nil {
		outcome := classifyErrOutcome(ctx, err)
		gmw.GetLogger(ctx).Warn("upstream request failed",
			zap.String("endpoint", endpoint),
			zap.Bool("network_error", outcome.NetworkErr),
			zap.Bool("aborted", outcome.Aborted),
			zap.Error(err),
		)
		return nil, outcome, err
	}

	// Buffer error bodies into memory and release the connection now:
	// retryable failures would otherwise leave a response open per attempt,
	// and the caller still needs the body for error shaping on the last one.
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		gmw.GetLogger(ctx).Warn("upstream returned error status",
			zap.String("endpoint", endpoint),
			zap.Int("status_code", resp.StatusCode),
			zap.String("retry_after", resp.Header.Get("Retry-After")),
		)
	}
	return resp, retry.Outcome{StatusCode: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}, nil
}

// classifyErrOutcome maps a transport-level error into the Outcome shape
// retry.Retryable consumes: client cancellation is never retried; DNS,
// connection-reset/refused, and timeout errors are network-class and
// always retried.
func classifyErrOutcome(ctx context.Context, err error) retry.Outcome {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return retry.Outcome{Aborted: true}
	}
	msg := strings.ToLower(err.Error())
	networky := strings.Contains(msg, "reset") ||
		strings.Contains(msg, "refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "dns") ||
		strings.Contains(msg, "fetch failed") ||
		strings.Contains(msg, "eof")
	return retry.Outcome{NetworkErr: networky}
}
