// Package httpapi is the thin gin router spec §1 names as an external
// collaborator ("the HTTP router and middleware stack"): CORS, gzip on
// JSON-only endpoints, API-key authentication, and route registration.
// It understands no payload semantics — every translation and
// orchestration decision lives in internal/orchestrator.
package httpapi

import (
	"net/http"
	"strings"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"

	"github.com/Laisky/codeassist-proxy/internal/apierr"
	"github.com/Laisky/codeassist-proxy/internal/config"
)

// authMiddleware enforces spec §6's API-key contract: the accepted set is
// cfg.APIKeys, which config.Load already folds the two API_KEYS*
// environment variables into. An empty set disables auth entirely.
// OPTIONS preflight bypasses by default.
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		presented := extractKey(c.Request)
		if presented == "" || !accepted(cfg.APIKeys, presented) {
			gmw.GetLogger(c).Warn("api key rejected",
				zap.String("path", c.Request.URL.Path),
				zap.Bool("key_presented", presented != ""),
			)
			c.Header("WWW-Authenticate", `Bearer realm="codeassist-proxy"`)
			aerr := apierr.Unauthorized("missing or invalid API key")
			c.AbortWithStatusJSON(aerr.StatusCode, aerr.ToEnvelope())
			return
		}
		c.Next()
	}
}

func accepted(keys []string, presented string) bool {
	for _, k := range keys {
		if k == presented {
			return true
		}
	}
	return false
}

// extractKey reads the client-presented key from either accepted header:
// x-api-key, or Authorization: Bearer <key>.
func extractKey(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}
