package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthEngine(cfg *config.Config) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		gmw.SetLogger(c, logger.Logger)
		c.Next()
	})
	r.Use(authMiddleware(cfg))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestAuthMiddleware_EmptyKeySetDisablesAuth(t *testing.T) {
	r := newAuthEngine(&config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_RejectsMissingKey(t *testing.T) {
	r := newAuthEngine(&config.Config{APIKeys: []string{"secret"}})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")
}

func TestAuthMiddleware_AcceptsXAPIKeyHeader(t *testing.T) {
	r := newAuthEngine(&config.Config{APIKeys: []string{"secret"}})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-api-key", "secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_AcceptsBearerHeader(t *testing.T) {
	r := newAuthEngine(&config.Config{APIKeys: []string{"secret"}})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthMiddleware_RejectsWrongKey(t *testing.T) {
	r := newAuthEngine(&config.Config{APIKeys: []string{"secret"}})
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("x-api-key", "wrong")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_OptionsPreflightBypassesAuth(t *testing.T) {
	r := newAuthEngine(&config.Config{APIKeys: []string{"secret"}})
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}
