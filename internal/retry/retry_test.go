package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryable_NetworkAndTransientStatusesRetry(t *testing.T) {
	assert.True(t, Retryable(Outcome{NetworkErr: true}))
	assert.True(t, Retryable(Outcome{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, Retryable(Outcome{StatusCode: http.StatusBadGateway}))
	assert.False(t, Retryable(Outcome{StatusCode: http.StatusBadRequest}))
}

func TestRetryable_AbortNeverRetries(t *testing.T) {
	assert.False(t, Retryable(Outcome{NetworkErr: true, Aborted: true}))
}

func TestBackoff_ExponentialCappedWithJitter(t *testing.T) {
	d1 := Backoff(1, Outcome{}, time.Now())
	d2 := Backoff(2, Outcome{}, time.Now())
	d3 := Backoff(10, Outcome{}, time.Now())

	assert.InDelta(t, float64(baseBackoff), float64(d1), float64(baseBackoff)*0.15)
	assert.InDelta(t, float64(baseBackoff*2), float64(d2), float64(baseBackoff*2)*0.15)
	assert.LessOrEqual(t, d3, maxBackoff)
}

func TestBackoff_HonorsRetryAfterSeconds(t *testing.T) {
	d := Backoff(1, Outcome{StatusCode: http.StatusTooManyRequests, RetryAfter: "3"}, time.Now())
	assert.Equal(t, 3*time.Second, d)
}

func TestBackoff_RetryAfterCappedAtMax(t *testing.T) {
	d := Backoff(1, Outcome{StatusCode: http.StatusTooManyRequests, RetryAfter: "120"}, time.Now())
	assert.Equal(t, maxBackoff, d)
}

func TestAttempt_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	res, _, err, attempts := Attempt(context.Background(), func(attempt int) (string, Outcome, error) {
		calls++
		return "ok", Outcome{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestAttempt_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	res, _, err, attempts := Attempt(context.Background(), func(attempt int) (string, Outcome, error) {
		calls++
		if calls < 2 {
			return "", Outcome{StatusCode: http.StatusServiceUnavailable}, errors.New("503")
		}
		return "ok", Outcome{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, 2, attempts)
}

func TestAttempt_StopsAtMaxAttempts(t *testing.T) {
	calls := 0
	_, _, err, attempts := Attempt(context.Background(), func(attempt int) (string, Outcome, error) {
		calls++
		return "", Outcome{StatusCode: http.StatusServiceUnavailable}, errors.New("503")
	})
	assert.Error(t, err)
	assert.Equal(t, MaxAttempts, calls)
	assert.Equal(t, MaxAttempts, attempts)
}

func TestAttempt_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, _, err, attempts := Attempt(context.Background(), func(attempt int) (string, Outcome, error) {
		calls++
		return "", Outcome{StatusCode: http.StatusBadRequest}, errors.New("400")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestStripVariantSuffix(t *testing.T) {
	cases := map[string]string{
		"o4-mini-codex-high":    "o4-mini",
		"gpt-4.1-2024-05-13":    "gpt-4.1",
		"gpt-4.1":               "gpt-4.1",
		"gpt-4.1.2":             "gpt-4.1", // patch component condensed, minor kept
		"gpt-4.1-codex-preview": "gpt-4.1",
	}
	for in, want := range cases {
		if got := StripVariantSuffix(in); got != want {
			t.Errorf("StripVariantSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFindSibling_UsesVariantSuffixStrip(t *testing.T) {
	current := ModelInfo{ID: "gpt-4.1-2024-05-13", Family: "gpt-4.1", Tier: 1, Vendor: "openai", SupportedEndpoints: []string{"/chat/completions"}}
	registry := []ModelInfo{
		current,
		{ID: "gpt-4.1", Family: "gpt-4.1", Tier: 1, Vendor: "openai", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "claude-3", Family: "claude", Tier: 1, Vendor: "anthropic", SupportedEndpoints: []string{"/chat/completions"}},
	}
	got := FindSibling(current, registry, "/chat/completions")
	assert.Equal(t, "gpt-4.1", got, "should match the variant-suffix-stripped id when no lower-tier sibling exists")
}

func TestFindSibling_PrefersSameFamilyLowerTier(t *testing.T) {
	current := ModelInfo{ID: "gpt-5-high", Family: "gpt-5", Tier: 2, Vendor: "openai", SupportedEndpoints: []string{"/responses"}}
	registry := []ModelInfo{
		current,
		{ID: "gpt-5-low", Family: "gpt-5", Tier: 0, Vendor: "openai", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "gpt-5-mid", Family: "gpt-5", Tier: 1, Vendor: "openai", SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "claude-3", Family: "claude", Tier: 1, Vendor: "anthropic", SupportedEndpoints: []string{"/chat/completions"}},
	}
	got := FindSibling(current, registry, "/chat/completions")
	assert.Equal(t, "gpt-5-mid", got, "should prefer the highest lower-tier within the same family")
}

func TestFindSibling_FallsBackToScoringRubric(t *testing.T) {
	current := ModelInfo{ID: "gpt-4o-codex-preview", Family: "gpt-4o", Tier: 0, Vendor: "openai", IsCodex: true, SupportedEndpoints: []string{"/responses"}}
	registry := []ModelInfo{
		current,
		{ID: "gpt-4o-codex", Family: "gpt-4o", Tier: 0, Vendor: "openai", IsCodex: true, SupportedEndpoints: []string{"/chat/completions"}},
		{ID: "gpt-3.5-turbo", Family: "gpt-3.5", Tier: 0, Vendor: "openai", IsCodex: false, SupportedEndpoints: []string{"/chat/completions"}},
	}
	got := FindSibling(current, registry, "/chat/completions")
	assert.Equal(t, "gpt-4o-codex", got)
}

func TestResolveFallbackChain_PicksFirstAvailable(t *testing.T) {
	available := func(m string) bool { return m == "gpt-4o-mini" }
	got := ResolveFallbackChain([]string{"gpt-4-turbo", "gpt-4o-mini", "gpt-3.5"}, available)
	assert.Equal(t, "gpt-4o-mini", got)
}

func TestIsQuotaError_MatchesCodeOrMessage(t *testing.T) {
	assert.True(t, IsQuotaError("quota_exceeded", ""))
	assert.True(t, IsQuotaError("", "Error: No quota remaining this month"))
	assert.False(t, IsQuotaError("rate_limited", "try again later"))
}
