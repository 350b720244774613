package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/codeassist-proxy/internal/credential"
)

func TestNeedsRefresh_NoSnapshot(t *testing.T) {
	rec := &credential.Record{}
	assert.True(t, NeedsRefresh(rec))
}

func TestNeedsRefresh_StaleSnapshot(t *testing.T) {
	rec := &credential.Record{Quota: credential.QuotaSnapshot{FetchedAt: time.Now().Add(-10 * time.Minute)}}
	assert.True(t, NeedsRefresh(rec))
}

func TestNeedsRefresh_FreshSnapshot(t *testing.T) {
	rec := &credential.Record{Quota: credential.QuotaSnapshot{FetchedAt: time.Now()}}
	assert.False(t, NeedsRefresh(rec))
}

func TestEffectivePercent_NoSnapshotIs100(t *testing.T) {
	assert.Equal(t, 100.0, EffectivePercent(&credential.Record{}))
}

func TestEffectivePercent_BothUnlimitedIs100(t *testing.T) {
	rec := &credential.Record{Quota: credential.QuotaSnapshot{
		FetchedAt:           time.Now(),
		Chat:                credential.QuotaBucket{Unlimited: true},
		PremiumInteractions: credential.QuotaBucket{Unlimited: true},
	}}
	assert.Equal(t, 100.0, EffectivePercent(rec))
}

func TestEffectivePercent_MinimumOfNonUnlimitedBuckets(t *testing.T) {
	rec := &credential.Record{Quota: credential.QuotaSnapshot{
		FetchedAt:           time.Now(),
		Chat:                credential.QuotaBucket{PercentRemaining: 3},
		PremiumInteractions: credential.QuotaBucket{PercentRemaining: 50},
	}}
	assert.Equal(t, 3.0, EffectivePercent(rec))
}

func TestEffectivePercent_CompletionsBucketIgnored(t *testing.T) {
	rec := &credential.Record{Quota: credential.QuotaSnapshot{
		FetchedAt:           time.Now(),
		Chat:                credential.QuotaBucket{Unlimited: true},
		Completions:         credential.QuotaBucket{PercentRemaining: 1},
		PremiumInteractions: credential.QuotaBucket{PercentRemaining: 60},
	}}
	assert.Equal(t, 60.0, EffectivePercent(rec))
}

func TestApplyAutoPause_PausesBelowFloorAndRotatesCurrent(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Quota: credential.QuotaSnapshot{
			FetchedAt:           time.Now(),
			Chat:                credential.QuotaBucket{PercentRemaining: 3},
			PremiumInteractions: credential.QuotaBucket{PercentRemaining: 50},
		}},
	}}

	var notified, rotated bool
	ApplyAutoPause(st, "A", 5, func(rec *credential.Record) { notified = true }, func(excludeID string) {
		rotated = true
		assert.Equal(t, "A", excludeID)
	})

	assert.True(t, st.Credentials[0].Paused)
	assert.Equal(t, credential.PauseQuota, st.Credentials[0].PauseReason)
	assert.True(t, notified)
	assert.True(t, rotated)
}

func TestApplyAutoPause_UnpausesAboveFloor(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Paused: true, PauseReason: credential.PauseQuota, Quota: credential.QuotaSnapshot{
			FetchedAt:           time.Now(),
			Chat:                credential.QuotaBucket{PercentRemaining: 80},
			PremiumInteractions: credential.QuotaBucket{Unlimited: true},
		}},
	}}
	ApplyAutoPause(st, "A", 5, nil, nil)
	assert.False(t, st.Credentials[0].Paused)
}

func TestApplyAutoPause_ManualPauseUntouched(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Paused: true, PauseReason: credential.PauseManual, Quota: credential.QuotaSnapshot{
			FetchedAt: time.Now(),
			Chat:      credential.QuotaBucket{PercentRemaining: 1},
		}},
	}}
	ApplyAutoPause(st, "A", 5, nil, nil)
	assert.True(t, st.Credentials[0].Paused)
	assert.Equal(t, credential.PauseManual, st.Credentials[0].PauseReason)
}

func TestMonthlyReset_FirstObservationRecordsOnly(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Paused: true, PauseReason: credential.PauseQuota},
	}}
	month := 0
	triggered := MonthlyReset(st, &month, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, triggered)
	assert.NotZero(t, month)
	assert.True(t, st.Credentials[0].Paused)
}

func TestMonthlyReset_NewMonthClearsQuotaPause(t *testing.T) {
	st := &credential.State{Credentials: []credential.Record{
		{ID: "A", Paused: true, PauseReason: credential.PauseQuota, Quota: credential.QuotaSnapshot{FetchedAt: time.Now()}},
	}}
	month := monthKey(time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC))
	triggered := MonthlyReset(st, &month, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, triggered)
	assert.False(t, st.Credentials[0].Paused)
	assert.True(t, st.Credentials[0].Quota.FetchedAt.IsZero())
}

func TestMonthlyReset_SameMonthNoOp(t *testing.T) {
	month := monthKey(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	st := &credential.State{}
	triggered := MonthlyReset(st, &month, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))
	assert.False(t, triggered)
}
