package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/credential"
)

// QuotaFetcher implements quota.Fetcher against the upstream usage
// endpoint.
type QuotaFetcher struct {
	cfg        *config.Config
	httpClient *http.Client
}

// NewQuotaFetcher builds a QuotaFetcher bound to cfg.UpstreamBaseURL.
func NewQuotaFetcher(cfg *config.Config) *QuotaFetcher {
	return &QuotaFetcher{cfg: cfg, httpClient: NewHTTPClient(cfg, UsageTimeout)}
}

type usageBucketWire struct {
	Remaining        float64 `json:"remaining"`
	Entitlement      float64 `json:"entitlement"`
	PercentRemaining float64 `json:"percent_remaining"`
	Unlimited        bool    `json:"unlimited"`
}

type usageResponseWire struct {
	QuotaSnapshots struct {
		Chat                usageBucketWire `json:"chat"`
		Completions         usageBucketWire `json:"completions"`
		PremiumInteractions usageBucketWire `json:"premium_interactions"`
	} `json:"quota_snapshots"`
	QuotaResetDate string `json:"quota_reset_date"`
}

func toBucket(w usageBucketWire) credential.QuotaBucket {
	return credential.QuotaBucket{
		Remaining:        w.Remaining,
		Entitlement:      w.Entitlement,
		PercentRemaining: w.PercentRemaining,
		Unlimited:        w.Unlimited,
	}
}

// FetchUsage performs the upstream RPC and returns a fresh snapshot for
// rec, stamped with the current time.
func (f *QuotaFetcher) FetchUsage(rec *credential.Record) (credential.QuotaSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), UsageTimeout)
	defer cancel()

	url := strings.TrimRight(f.cfg.UpstreamBaseURL, "/") + "/copilot_internal/user"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return credential.QuotaSnapshot{}, errors.Wrap(err, "build usage request")
	}
	req.Header.Set("Authorization", "Bearer "+rec.SessionToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return credential.QuotaSnapshot{}, errors.Wrap(err, "usage request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credential.QuotaSnapshot{}, errors.Wrap(err, "read usage response")
	}
	if resp.StatusCode != http.StatusOK {
		return credential.QuotaSnapshot{}, errors.Errorf("usage fetch failed: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed usageResponseWire
	if err := json.Unmarshal(body, &parsed); err != nil {
		return credential.QuotaSnapshot{}, errors.Wrap(err, "parse usage response")
	}

	return credential.QuotaSnapshot{
		Chat:                toBucket(parsed.QuotaSnapshots.Chat),
		Completions:         toBucket(parsed.QuotaSnapshots.Completions),
		PremiumInteractions: toBucket(parsed.QuotaSnapshots.PremiumInteractions),
		ResetDate:           parsed.QuotaResetDate,
		FetchedAt:           time.Now(),
	}, nil
}
