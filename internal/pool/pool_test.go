package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/codeassist-proxy/internal/credential"
)

func baseOpts() Options {
	return Options{
		Strategy:               StrategySticky,
		AutoRotate:             true,
		AutoRotateThresholdPct: 5,
		AutoRotateCooldown:     5 * time.Minute,
		ErrorRotateThreshold:   3,
	}
}

func TestSelect_EmptyPoolReturnsNone(t *testing.T) {
	st := &credential.State{}
	got := Select(st, baseOpts(), time.Now())
	assert.Equal(t, "", got)
}

func TestSelect_StickyPrefersStickyID(t *testing.T) {
	st := &credential.State{
		Credentials: []credential.Record{
			{ID: "A", Active: true},
			{ID: "B", Active: true},
		},
		StickyID: "B",
	}
	got := Select(st, baseOpts(), time.Now())
	assert.Equal(t, "B", got)
}

func TestSelect_RoundRobinAdvancesCursor(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true}, {ID: "B", Active: true},
	}}
	opts := baseOpts()
	opts.Strategy = StrategyRoundRobin

	first := Select(st, opts, time.Now())
	second := Select(st, opts, time.Now())
	assert.NotEqual(t, first, second)
}

func TestSelect_QuotaBasedPicksHighestPercent(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true, Quota: credential.QuotaSnapshot{FetchedAt: time.Now(), Chat: credential.QuotaBucket{PercentRemaining: 10}, PremiumInteractions: credential.QuotaBucket{Unlimited: true}}},
		{ID: "B", Active: true, Quota: credential.QuotaSnapshot{FetchedAt: time.Now(), Chat: credential.QuotaBucket{PercentRemaining: 80}, PremiumInteractions: credential.QuotaBucket{Unlimited: true}}},
	}}
	opts := baseOpts()
	opts.Strategy = StrategyQuotaBased
	got := Select(st, opts, time.Now())
	assert.Equal(t, "B", got)
}

func TestSelect_PausedOrRateLimitedExcluded(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true, Paused: true},
		{ID: "B", Active: true, RateLimited: true, RateLimitResetAt: time.Now().Add(time.Hour)},
		{ID: "C", Active: true},
	}}
	got := Select(st, baseOpts(), time.Now())
	assert.Equal(t, "C", got)
}

func TestSelect_SingleCredentialRateLimitedUntilResetPasses(t *testing.T) {
	now := time.Now()
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true, RateLimited: true, RateLimitResetAt: now.Add(time.Minute)},
	}}
	assert.Equal(t, "", Select(st, baseOpts(), now))

	later := now.Add(2 * time.Minute)
	assert.Equal(t, "A", Select(st, baseOpts(), later))
}

func TestReportError_RateLimitSetsResetAndRotates(t *testing.T) {
	now := time.Now()
	st := &credential.State{
		Credentials:    []credential.Record{{ID: "A", Active: true}, {ID: "B", Active: true}},
		StickyID:       "A",
		LastSelectedID: "A",
	}
	opts := baseOpts()

	resetAt := now.Add(60 * time.Second)
	ReportError(st, opts, ErrorRateLimit, &resetAt, now)

	a := findByID(st, "A")
	require.NotNil(t, a)
	assert.True(t, a.RateLimited)
	assert.Equal(t, resetAt, a.RateLimitResetAt)
	assert.Equal(t, "B", st.StickyID)
}

func TestReportError_QuotaPausesAndClearsRateLimit(t *testing.T) {
	now := time.Now()
	st := &credential.State{
		Credentials:    []credential.Record{{ID: "A", Active: true, RateLimited: true}},
		LastSelectedID: "A",
	}
	ReportError(st, baseOpts(), ErrorQuota, nil, now)

	a := findByID(st, "A")
	require.NotNil(t, a)
	assert.True(t, a.Paused)
	assert.Equal(t, credential.PauseQuota, a.PauseReason)
	assert.False(t, a.RateLimited)
}

func TestReportError_AuthDeactivates(t *testing.T) {
	now := time.Now()
	st := &credential.State{
		Credentials:    []credential.Record{{ID: "A", Active: true}},
		LastSelectedID: "A",
	}
	ReportError(st, baseOpts(), ErrorAuth, nil, now)
	a := findByID(st, "A")
	require.NotNil(t, a)
	assert.False(t, a.Active)
}

func TestReportError_RotationHonorsCooldown(t *testing.T) {
	now := time.Now()
	st := &credential.State{
		Credentials:        []credential.Record{{ID: "A", Active: true}, {ID: "B", Active: true}},
		LastSelectedID:     "A",
		StickyID:           "A",
		LastAutoRotationAt: now.Add(-1 * time.Minute),
	}
	opts := baseOpts()
	opts.AutoRotateCooldown = 5 * time.Minute

	ReportError(st, opts, ErrorRateLimit, nil, now)

	assert.Equal(t, "A", st.StickyID, "rotation suppressed within cooldown")
}

func TestFindNextAvailable_ExcludesGivenID(t *testing.T) {
	now := time.Now()
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true},
		{ID: "B", Active: true},
	}}
	got := FindNextAvailable(st, "A", now)
	assert.Equal(t, "B", got)
}

func TestAcquireWithTokenRefresh_FallsBackOnFailure(t *testing.T) {
	now := time.Now()
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Active: true},
		{ID: "B", Active: true},
	}}
	opts := baseOpts()
	opts.Strategy = StrategyRoundRobin

	attempts := map[string]int{}
	rec := AcquireWithTokenRefresh(st, opts, now, func(r *credential.Record) error {
		attempts[r.ID]++
		if r.ID == "A" {
			return assert.AnError
		}
		return nil
	})

	require.NotNil(t, rec)
	assert.Equal(t, "B", rec.ID)
	assert.False(t, findByID(st, "A").Active)
}

func TestAcquireWithTokenRefresh_AllFailReturnsNil(t *testing.T) {
	now := time.Now()
	st := &credential.State{Credentials: []credential.Record{{ID: "A", Active: true}}}
	opts := baseOpts()

	rec := AcquireWithTokenRefresh(st, opts, now, func(r *credential.Record) error {
		return assert.AnError
	})
	assert.Nil(t, rec)
}
