package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// TokenExchanger implements tokenlifecycle.Exchanger against the
// upstream's token-exchange endpoint, mirroring the shape of the
// teacher's copilot.fetchCopilotToken: GET with the long-lived credential
// as bearer, parse back a short-lived token plus its validity window.
type TokenExchanger struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewTokenExchanger builds a TokenExchanger bound to cfg.UpstreamBaseURL.
func NewTokenExchanger(cfg *config.Config) *TokenExchanger {
	return &TokenExchanger{cfg: cfg, httpClient: NewHTTPClient(cfg, TokenExchangeTimeout)}
}

type tokenExchangeResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// Exchange trades rec's long-lived credential for a short-lived session
// token. Errors here cause the caller (tokenlifecycle.Manager) to
// deactivate rec so the pool tries a different credential.
func (e *TokenExchanger) Exchange(rec *credential.Record) (string, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), TokenExchangeTimeout)
	defer cancel()

	url := strings.TrimRight(e.cfg.UpstreamBaseURL, "/") + "/copilot_internal/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, errors.Wrap(err, "build token exchange request")
	}
	req.Header.Set("Authorization", "Bearer "+rec.Token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "token exchange request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, errors.Wrap(err, "read token exchange response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, errors.Errorf("token exchange failed: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tokenExchangeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, errors.Wrap(err, "parse token exchange response")
	}
	if parsed.Token == "" {
		return "", 0, errors.New("token exchange response carried an empty token")
	}
	if parsed.ExpiresIn <= 0 {
		parsed.ExpiresIn = 1500 // upstream's typical session-token lifetime, seconds
	}
	logger.Logger.Debug("exchanged session token",
		zap.String("credential", rec.ID),
		zap.Int("expires_in", parsed.ExpiresIn),
	)
	return parsed.Token, parsed.ExpiresIn, nil
}
