package pool

import (
	"context"
	"time"

	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/logger"
	"github.com/Laisky/codeassist-proxy/internal/quota"
)

// QuotaFetcher performs the upstream usage RPC; upstream.QuotaFetcher
// satisfies this in production, a stub in tests.
type QuotaFetcher interface {
	FetchUsage(rec *credential.Record) (credential.QuotaSnapshot, error)
}

// RunQuotaSweep is the background loop spec §4.2/§4.3 describe: refresh
// every stale credential's quota snapshot, apply the auto-pause rule
// across the pool, and run the monthly reset check — all under the
// credential store's mutation lock so it never races a concurrent
// dispatch's pool access. Intended to run in its own goroutine on an
// interval; returns when ctx is cancelled.
func RunQuotaSweep(ctx context.Context, opts Options, fetcher QuotaFetcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(opts, fetcher)
		}
	}
}

func sweepOnce(opts Options, fetcher QuotaFetcher) {
	now := time.Now()

	var stale []credential.Record
	credential.Mutate(func(st *credential.State) {
		for _, rec := range st.Credentials {
			if quota.NeedsRefresh(&rec) {
				stale = append(stale, rec)
			}
		}
	})

	for _, rec := range stale {
		snap, err := fetcher.FetchUsage(&rec)
		if err != nil {
			logger.Logger.Warn("quota fetch failed",
				zap.String("credential", rec.ID),
				zap.Error(err),
			)
			continue
		}
		quota.ApplyFetch(rec.ID, snap)
	}

	credential.Mutate(func(st *credential.State) {
		current := GetCurrent(st, opts, now)
		quota.ApplyAutoPause(st, current, opts.AutoRotateThresholdPct,
			func(rec *credential.Record) {
				if opts.Notify != nil {
					opts.Notify(rec, "paused_quota")
				}
			},
			func(excludeID string) { rotate(st, opts, excludeID, now) },
		)

		// MonthlyReset itself clears quota-paused flags and snapshots when
		// it fires; the returned bool just signals that a fresh fetch-all
		// should be scheduled on the next tick (the stale-credential scan
		// above will naturally pick every credential up again).
		quota.MonthlyReset(st, &st.LastObservedMonth, now)
	})
}
