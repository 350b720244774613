package httpapi

import (
	"context"
	"io"
	"net/http"

	gmw "github.com/Laisky/gin-middlewares/v7"
	glog "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/logger"
	"github.com/Laisky/codeassist-proxy/internal/models"
	"github.com/Laisky/codeassist-proxy/internal/orchestrator"
)

// dialectHandler is the shape every orchestrator.Handle* method shares.
type dialectHandler func(ctx context.Context, body []byte, w orchestrator.ResponseWriter) *apierr.Error

// NewRouter builds the client-facing router over orc: CORS, the
// per-request logger middleware, API-key auth, gzip on the JSON-only
// /models and /health endpoints (never on the dialect endpoints — those
// may turn into an SSE stream once the body is parsed, and gzip can't be
// applied after headers are sent), and the dialect routes (chat
// completions, Anthropic messages, responses, embeddings) from spec §6.
func NewRouter(orc *orchestrator.Orchestrator, cfg *config.Config, reg *models.Registry) *gin.Engine {
	level := glog.LevelInfo
	if cfg.Debug {
		level = glog.LevelDebug
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gmw.NewLoggerMiddleware(
		gmw.WithLevel(level.String()),
		gmw.WithLogger(logger.Logger.Named("gin")),
	))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "x-api-key"},
	}))
	r.Use(authMiddleware(cfg))

	jsonOnly := r.Group("/")
	jsonOnly.Use(gzip.Gzip(gzip.DefaultCompression))
	jsonOnly.GET("/health", handleHealth)
	jsonOnly.GET("/models", handleModels(reg))
	jsonOnly.GET("/v1/models", handleModels(reg))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	registerDialect(r, []string{"/chat/completions", "/v1/chat/completions"}, orc.HandleChatCompletions)
	registerDialect(r, []string{"/v1/messages"}, orc.HandleAnthropicMessages)
	registerDialect(r, []string{"/responses", "/v1/responses"}, orc.HandleResponses)
	registerDialect(r, []string{"/embeddings", "/v1/embeddings"}, orc.HandleEmbeddings)

	return r
}

func registerDialect(r *gin.Engine, paths []string, h dialectHandler) {
	handler := func(c *gin.Context) {
		lg := gmw.GetLogger(c)
		lg.Debug("incoming request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("content_type", c.GetHeader("Content-Type")),
			zap.Int64("content_length", c.Request.ContentLength),
		)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeErr(c, apierr.InvalidRequest("failed to read request body"))
			return
		}
		// gmw.Ctx carries the request-scoped logger down through the
		// orchestrator so every layer below logs with the same trace.
		if aerr := h(gmw.Ctx(c), body, c.Writer); aerr != nil {
			writeErr(c, aerr)
		}
	}
	for _, p := range paths {
		r.POST(p, handler)
	}
}

// writeErr renders aerr as the client-facing envelope, unless the
// handler already started writing a streaming response — at that point
// headers are sent and the error must already have been framed as a
// mid-stream terminator by internal/stream instead.
func writeErr(c *gin.Context, aerr *apierr.Error) {
	if c.Writer.Written() {
		return
	}

	lg := gmw.GetLogger(c)
	fields := []zap.Field{
		zap.Int("status_code", aerr.StatusCode),
		zap.String("type", string(aerr.ErrType)),
		zap.String("message", aerr.Message),
	}
	if aerr.StatusCode >= http.StatusInternalServerError {
		lg.Error("request failed", fields...)
	} else {
		lg.Warn("request rejected", fields...)
	}

	for name, vals := range aerr.Headers {
		for _, v := range vals {
			c.Header(name, v)
		}
	}
	c.JSON(aerr.StatusCode, aerr.ToEnvelope())
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleModels(reg *models.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		list := reg.List()
		data := make([]gin.H, 0, len(list))
		for _, m := range list {
			data = append(data, gin.H{"id": m.ID, "object": "model", "owned_by": "codeassist-proxy"})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}
