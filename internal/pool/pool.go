// Package pool implements the Account Pool: credential selection,
// error-driven state transitions, and auto-rotation, all serialized
// through the credential store's mutation lock so two concurrent
// dispatches never observe an inconsistent {sticky-id, cursor,
// last-selected-id} triple.
package pool

import (
	"sort"
	"time"

	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/credential"
	"github.com/Laisky/codeassist-proxy/internal/logger"
	"github.com/Laisky/codeassist-proxy/internal/metrics"
	"github.com/Laisky/codeassist-proxy/internal/quota"
)

// ErrorKind categorizes an upstream failure for report-error.
type ErrorKind string

const (
	ErrorRateLimit ErrorKind = "rate-limit"
	ErrorQuota     ErrorKind = "quota"
	ErrorAuth      ErrorKind = "auth"
	ErrorOther     ErrorKind = "other"
)

// Strategy is the configured selection policy.
type Strategy string

const (
	StrategySticky     Strategy = "sticky"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyQuotaBased Strategy = "quota_based"
	StrategyHybrid     Strategy = "hybrid"
)

// NotifyFunc is invoked on state transitions operators care about
// (rate-limited, paused, deactivated). Production wiring supplies the
// webhook notifier; tests and default config supply a no-op.
type NotifyFunc func(rec *credential.Record, reason string)

// Options configures pool behavior sourced from config.PoolConfig.
type Options struct {
	Strategy               Strategy
	AutoRotate             bool
	AutoRotateThresholdPct float64
	AutoRotateCooldown     time.Duration
	ErrorRotateThreshold   int
	Notify                 NotifyFunc
}

func isActiveMember(rec credential.Record, now time.Time) bool {
	if !rec.Active || rec.Paused {
		return false
	}
	if rec.RateLimited {
		return false
	}
	return true
}

// activeSet returns the indices of credentials currently eligible for
// selection: active, not rate-limited, not paused. Callers that might
// mutate rate-limit state should call resetExpiredRateLimits first.
func activeSet(st *credential.State, now time.Time) []int {
	var idx []int
	for i, rec := range st.Credentials {
		if isActiveMember(rec, now) {
			idx = append(idx, i)
		}
	}
	return idx
}

// resetExpiredRateLimits clears rate-limited flags whose reset timestamp
// has passed, in place.
func resetExpiredRateLimits(st *credential.State, now time.Time) {
	for i := range st.Credentials {
		rec := &st.Credentials[i]
		if rec.RateLimited && !rec.RateLimitResetAt.IsZero() && !now.Before(rec.RateLimitResetAt) {
			rec.RateLimited = false
		}
	}
}

// Select returns the chosen credential id, or "" if none is available.
// When the active set is empty it first tries to reclaim credentials
// whose rate-limit has expired; only if that still yields nothing does it
// report unavailable.
func Select(st *credential.State, opts Options, now time.Time) string {
	idx := activeSet(st, now)
	if len(idx) == 0 {
		resetExpiredRateLimits(st, now)
		idx = activeSet(st, now)
		if len(idx) == 0 {
			metrics.Global.PoolActiveSetSize(0)
			return ""
		}
	}
	metrics.Global.PoolActiveSetSize(len(idx))

	switch opts.Strategy {
	case StrategyRoundRobin:
		chosen := idx[st.Cursor%len(idx)]
		st.Cursor++
		id := st.Credentials[chosen].ID
		st.LastSelectedID = id
		return id

	case StrategyQuotaBased:
		best := idx[0]
		bestPct := quota.EffectivePercent(&st.Credentials[idx[0]])
		for _, i := range idx[1:] {
			pct := quota.EffectivePercent(&st.Credentials[i])
			if pct > bestPct {
				best, bestPct = i, pct
			}
		}
		id := st.Credentials[best].ID
		st.LastSelectedID = id
		return id

	default: // sticky, hybrid
		if st.StickyID != "" {
			for _, i := range idx {
				if st.Credentials[i].ID == st.StickyID {
					st.LastSelectedID = st.StickyID
					return st.StickyID
				}
			}
		}
		id := st.Credentials[idx[0]].ID
		st.StickyID = id
		st.LastSelectedID = id
		return id
	}
}

// FindNextAvailable ranks active credentials other than excludeID by
// effective-percent descending and returns the top candidate's id, or ""
// if none qualify.
func FindNextAvailable(st *credential.State, excludeID string, now time.Time) string {
	idx := activeSet(st, now)
	candidates := make([]int, 0, len(idx))
	for _, i := range idx {
		if st.Credentials[i].ID != excludeID {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return quota.EffectivePercent(&st.Credentials[candidates[a]]) > quota.EffectivePercent(&st.Credentials[candidates[b]])
	})
	return st.Credentials[candidates[0]].ID
}

// GetCurrent resolves the "current" credential id: last-selected, else
// sticky, else a fresh selection.
func GetCurrent(st *credential.State, opts Options, now time.Time) string {
	if st.LastSelectedID != "" {
		return st.LastSelectedID
	}
	if st.StickyID != "" {
		return st.StickyID
	}
	return Select(st, opts, now)
}

func findByID(st *credential.State, id string) *credential.Record {
	for i := range st.Credentials {
		if st.Credentials[i].ID == id {
			return &st.Credentials[i]
		}
	}
	return nil
}

// ReportError locates the current credential, records the failure, and
// applies the kind-specific state transition plus any auto-rotation the
// configured strategy and cooldown allow.
func ReportError(st *credential.State, opts Options, kind ErrorKind, resetAt *time.Time, now time.Time) {
	id := st.LastSelectedID
	if id == "" {
		id = st.StickyID
	}
	if id == "" {
		id = Select(st, opts, now)
	}
	rec := findByID(st, id)
	if rec == nil {
		return
	}

	rec.ErrorCount++
	rec.LastErrorKind = string(kind)
	metrics.Global.PoolCredentialError(string(kind))
	logger.Logger.Warn("credential error reported",
		zap.String("credential", rec.ID),
		zap.String("kind", string(kind)),
		zap.Int("error_count", rec.ErrorCount),
	)

	switch kind {
	case ErrorRateLimit:
		rec.RateLimited = true
		if resetAt != nil {
			rec.RateLimitResetAt = *resetAt
		} else {
			rec.RateLimitResetAt = now.Add(60 * time.Second)
		}
		if opts.Notify != nil {
			opts.Notify(rec, "rate_limited")
		}
	case ErrorQuota:
		rec.Paused = true
		rec.PauseReason = credential.PauseQuota
		rec.RateLimited = false
	case ErrorAuth:
		rec.Active = false
		if opts.Notify != nil {
			opts.Notify(rec, "deactivated")
		}
	case ErrorOther:
		// No flag change; still counted above.
	}

	shouldRotate := kind == ErrorRateLimit || kind == ErrorQuota ||
		(kind == ErrorOther && rec.ErrorCount >= opts.ErrorRotateThreshold) ||
		opts.Strategy == StrategyHybrid

	if shouldRotate && cooldownElapsed(st, opts, now) {
		rotate(st, opts, rec.ID, now)
	}
}

// cooldownElapsed reports whether enough time has passed since the last
// auto-rotation for another one to fire.
func cooldownElapsed(st *credential.State, opts Options, now time.Time) bool {
	if st.LastAutoRotationAt.IsZero() {
		return true
	}
	return now.Sub(st.LastAutoRotationAt) >= opts.AutoRotateCooldown
}

// rotate selects the next-available credential (excluding excludeID) and
// updates sticky-id, round-robin cursor, and the last-rotation timestamp.
func rotate(st *credential.State, opts Options, excludeID string, now time.Time) {
	next := FindNextAvailable(st, excludeID, now)
	if next == "" {
		logger.Logger.Warn("auto-rotation found no available credential",
			zap.String("excluded", excludeID))
		return
	}
	st.StickyID = next
	st.LastSelectedID = next
	st.Cursor++
	st.LastAutoRotationAt = now
	metrics.Global.PoolRotation(string(opts.Strategy))
	logger.Logger.Info("auto-rotated to next credential",
		zap.String("from", excludeID),
		zap.String("to", next),
		zap.String("strategy", string(opts.Strategy)),
	)
}

// SetCurrent forces the pool's notion of "current" to id, bypassing
// strategy selection (used for operator-driven credential switches).
func SetCurrent(st *credential.State, id string) {
	st.StickyID = id
	st.LastSelectedID = id
}

// maxSelectAttempts bounds the session-token acquisition path that calls
// Select iteratively when a credential's token refresh fails: deactivate
// and retry, but never loop more than len(pool)+1 times.
func maxSelectAttempts(st *credential.State) int {
	return len(st.Credentials) + 1
}

// AcquireWithTokenRefresh selects a credential and hands it to refresh;
// if refresh fails the credential is deactivated and a different one is
// tried, bounded by maxSelectAttempts and tracking ids already attempted
// this call so the recursion terminates even under pathological state.
func AcquireWithTokenRefresh(st *credential.State, opts Options, now time.Time, refresh func(rec *credential.Record) error) *credential.Record {
	tried := map[string]bool{}
	attempts := maxSelectAttempts(st)

	for i := 0; i < attempts; i++ {
		id := Select(st, opts, now)
		if id == "" || tried[id] {
			return nil
		}
		tried[id] = true

		rec := findByID(st, id)
		if rec == nil {
			return nil
		}
		if err := refresh(rec); err == nil {
			return rec
		}
		logger.Logger.Warn("deactivating credential after token refresh failure",
			zap.String("credential", rec.ID),
		)
		rec.Active = false
	}
	return nil
}
