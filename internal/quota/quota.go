// Package quota implements the per-credential usage tracker: staleness
// detection, the effective-percent reduction used by selection and
// auto-pause, and the monthly reset sweep.
package quota

import (
	"time"

	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/logger"
)

const (
	refreshInterval = 5 * time.Minute
	autoPauseFloor  = 5.0 // percent
)

// NeedsRefresh reports whether a credential's quota snapshot is missing
// or older than the refresh interval.
func NeedsRefresh(rec *credential.Record) bool {
	if rec.Quota.FetchedAt.IsZero() {
		return true
	}
	return time.Since(rec.Quota.FetchedAt) > refreshInterval
}

// EffectivePercent reduces a credential's quota snapshot to a single
// number: 100 when no snapshot exists or both chat and premium buckets
// report unlimited; otherwise the minimum of the non-unlimited bucket
// percentages among {chat, premium}. The completions bucket never
// participates in selection.
func EffectivePercent(rec *credential.Record) float64 {
	if rec.Quota.FetchedAt.IsZero() {
		return 100
	}

	chat, premium := rec.Quota.Chat, rec.Quota.PremiumInteractions
	if chat.Unlimited && premium.Unlimited {
		return 100
	}

	best := -1.0
	consider := func(b credential.QuotaBucket) {
		if b.Unlimited {
			return
		}
		if best < 0 || b.PercentRemaining < best {
			best = b.PercentRemaining
		}
	}
	consider(chat)
	consider(premium)

	if best < 0 {
		return 100
	}
	return best
}

// Fetcher performs the upstream RPC that populates a fresh QuotaSnapshot
// for a credential. Production wiring supplies an HTTP-backed
// implementation; tests supply a stub.
type Fetcher interface {
	FetchUsage(rec *credential.Record) (credential.QuotaSnapshot, error)
}

// ApplyFetch writes a freshly fetched snapshot onto the pool's copy of
// the credential, looked up by id (never by the passed-in pointer's
// identity, to avoid racing a concurrent pool mutation).
func ApplyFetch(id string, snap credential.QuotaSnapshot) {
	credential.Mutate(func(st *credential.State) {
		for i := range st.Credentials {
			if st.Credentials[i].ID == id {
				st.Credentials[i].Quota = snap
				return
			}
		}
	})
}

// RotateFunc is invoked when auto-pause determines the paused credential
// was the current selection and auto-rotation should fire.
type RotateFunc func(excludeID string)

// ApplyAutoPause evaluates every credential not manually paused against
// the auto-pause rule, after a fetch pass: crossing below the floor
// pauses (and may trigger rotation if this was the current credential
// and its percent is at or below the pool's rotation threshold); rising
// back above the floor while paused-for-quota unpauses.
func ApplyAutoPause(st *credential.State, currentID string, autoRotateThresholdPct float64, notify func(rec *credential.Record), rotate RotateFunc) {
	for i := range st.Credentials {
		rec := &st.Credentials[i]
		if rec.Paused && rec.PauseReason == credential.PauseManual {
			continue
		}

		pct := EffectivePercent(rec)
		switch {
		case pct <= autoPauseFloor && !rec.Paused:
			rec.Paused = true
			rec.PauseReason = credential.PauseQuota
			logger.Logger.Warn("credential auto-paused on quota",
				zap.String("credential", rec.ID),
				zap.Float64("effective_percent", pct),
			)
			if notify != nil {
				notify(rec)
			}
			if rec.ID == currentID && pct <= autoRotateThresholdPct && rotate != nil {
				rotate(rec.ID)
			}
		case pct > autoPauseFloor && rec.Paused && rec.PauseReason == credential.PauseQuota:
			rec.Paused = false
			rec.PauseReason = credential.PauseNone
			logger.Logger.Info("credential unpaused, quota recovered",
				zap.String("credential", rec.ID),
				zap.Float64("effective_percent", pct),
			)
		}
	}
}

// monthKey collapses a time to a single comparable integer (year*12+month)
// so "has the calendar month changed" is a plain integer comparison.
func monthKey(t time.Time) int {
	return t.Year()*12 + int(t.Month())
}

// MonthlyReset tracks the last-observed calendar month, persisted
// alongside pool state rather than held process-local — a process
// restart must not silently skip a reset that occurred while the process
// was down. On first observation it just records the month; on a later
// month it clears every quota-paused flag and snapshot and reports that a
// fresh fetch-all should be scheduled.
func MonthlyReset(st *credential.State, lastObservedMonth *int, now time.Time) (resetTriggered bool) {
	current := monthKey(now)
	if *lastObservedMonth == 0 {
		*lastObservedMonth = current
		return false
	}
	if current <= *lastObservedMonth {
		return false
	}

	for i := range st.Credentials {
		rec := &st.Credentials[i]
		if rec.PauseReason == credential.PauseQuota {
			rec.Paused = false
			rec.PauseReason = credential.PauseNone
		}
		rec.Quota = credential.QuotaSnapshot{}
	}
	*lastObservedMonth = current
	logger.Logger.Info("monthly quota reset applied",
		zap.Int("credentials", len(st.Credentials)))
	return true
}
