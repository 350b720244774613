// Package tokenlifecycle produces fresh short-lived session tokens from
// long-lived credentials, backed by github.com/patrickmn/go-cache so a
// per-credential token survives across calls without threading expiry
// bookkeeping through every caller.
package tokenlifecycle

import (
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// safetyMargin is subtracted from a token's declared expiry: a token
// that technically has a few seconds left is treated as already expired
// so a dispatch never races a mid-flight expiration.
const safetyMargin = 60 * time.Second

// Exchanger performs the upstream token-exchange RPC for a credential.
type Exchanger interface {
	Exchange(rec *credential.Record) (token string, refreshInSeconds int, err error)
}

// Manager hands out fresh session tokens, caching them per credential id.
type Manager struct {
	exchanger Exchanger
	cache     *gocache.Cache
}

// NewManager builds a Manager. The cache's default expiration is
// irrelevant since every entry carries its own per-token TTL at Set time.
func NewManager(exchanger Exchanger) *Manager {
	return &Manager{
		exchanger: exchanger,
		cache:     gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Acquire returns a valid session token for rec: the cached one if it
// still has more than the safety margin left, else a freshly exchanged
// one. On exchange failure the credential is marked inactive so the pool
// tries a different one, and the error is returned to the caller.
func (m *Manager) Acquire(rec *credential.Record) (string, error) {
	if tok, ok := m.cache.Get(rec.ID); ok {
		entry := tok.(cachedToken)
		if time.Now().Before(entry.expiresAt.Add(-safetyMargin)) {
			// Another caller may have refreshed since rec was loaded; make
			// sure the record reflects the token dispatch will use.
			rec.SessionToken = entry.token
			rec.SessionExp = entry.expiresAt
			return entry.token, nil
		}
	}

	token, refreshIn, err := m.exchanger.Exchange(rec)
	if err != nil {
		logger.Logger.Warn("session token exchange failed, deactivating credential",
			zap.String("credential", rec.ID),
			zap.Error(err),
		)
		rec.Active = false
		return "", errors.Wrap(err, "exchange session token")
	}

	expiresAt := time.Now().Add(time.Duration(refreshIn) * time.Second)
	m.cache.Set(rec.ID, cachedToken{token: token, expiresAt: expiresAt}, time.Duration(refreshIn)*time.Second)

	rec.SessionToken = token
	rec.SessionExp = expiresAt
	return token, nil
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}
