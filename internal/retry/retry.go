// Package retry implements the Retry/Fallback Controller: transient
// upstream-failure retry with exponential backoff and jitter, followed
// by model-substitution fallback when retries are exhausted.
package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	gmw "github.com/Laisky/gin-middlewares/v7"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/metrics"
)

// MaxAttempts is the total number of dispatch attempts, including the
// first.
const MaxAttempts = 3

const (
	baseBackoff = 500 * time.Millisecond
	maxBackoff  = 8000 * time.Millisecond
)

// Outcome is what a single dispatch attempt reported, enough information
// to decide whether to retry.
type Outcome struct {
	StatusCode int
	RetryAfter string // raw header value, seconds or HTTP-date
	NetworkErr bool   // reset/refused/timeout/DNS/fetch-failed class
	Aborted    bool   // client cancellation; never retried
}

// Retryable reports whether o warrants another attempt.
func Retryable(o Outcome) bool {
	if o.Aborted {
		return false
	}
	if o.NetworkErr {
		return true
	}
	switch o.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Backoff computes the delay before attempt number `attempt` (1-indexed:
// the delay before the 2nd attempt is Backoff(1)), honoring Retry-After
// on a 429 when present, else exponential-from-base with ±10% jitter,
// capped at maxBackoff.
func Backoff(attempt int, o Outcome, now time.Time) time.Duration {
	if o.StatusCode == http.StatusTooManyRequests && o.RetryAfter != "" {
		if d, ok := parseRetryAfter(o.RetryAfter, now); ok {
			if d > maxBackoff {
				return maxBackoff
			}
			if d < 0 {
				return 0
			}
			return d
		}
	}

	exp := float64(baseBackoff) * math.Pow(2, float64(attempt-1))
	if exp > float64(maxBackoff) {
		exp = float64(maxBackoff)
	}
	jitter := exp * 0.1 * (2*rand.Float64() - 1)
	d := time.Duration(exp + jitter)
	if d < 0 {
		d = 0
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t.Sub(now), true
	}
	return 0, false
}

// Attempt runs dispatch up to MaxAttempts times, sleeping per Backoff
// between retryable failures. dispatch returns its Outcome alongside
// whatever result/error it produced; Attempt stops on the first
// non-retryable outcome (success or terminal failure) or after
// MaxAttempts.
func Attempt[T any](ctx context.Context, dispatch func(attempt int) (T, Outcome, error)) (T, Outcome, error, int) {
	var zero T
	var lastRes T
	var lastOutcome Outcome
	var lastErr error

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		res, outcome, err := dispatch(attempt)
		lastRes, lastOutcome, lastErr = res, outcome, err

		if err == nil && !Retryable(outcome) {
			return res, outcome, nil, attempt
		}
		if !Retryable(outcome) {
			return zero, outcome, err, attempt
		}
		if attempt == MaxAttempts {
			break
		}
		metrics.Global.RetryAttempt(attempt)

		d := Backoff(attempt, outcome, time.Now())
		gmw.GetLogger(ctx).Warn("retrying upstream dispatch",
			zap.Int("attempt", attempt),
			zap.Int("status_code", outcome.StatusCode),
			zap.Bool("network_error", outcome.NetworkErr),
			zap.Duration("backoff", d),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return zero, outcome, ctx.Err(), attempt
		case <-time.After(d):
		}
	}
	return lastRes, lastOutcome, lastErr, MaxAttempts
}

// FallbackReason classifies why a fallback model substitution is being
// considered.
type FallbackReason string

const (
	FallbackEndpointUnsupported FallbackReason = "endpoint_unsupported"
	FallbackCapacity            FallbackReason = "capacity"
)

// ModelInfo is the registry shape fallback scoring operates over.
type ModelInfo struct {
	ID                  string
	Vendor              string
	Family              string
	Tier                int // lower is "smaller"/cheaper
	IsCodex             bool
	IsPreview           bool
	SupportedEndpoints  []string
}

func supports(m ModelInfo, endpoint string) bool {
	for _, e := range m.SupportedEndpoints {
		if e == endpoint {
			return true
		}
	}
	return false
}

// scoreSibling implements the rubric: +50 same vendor, +80 same family,
// +15 same codex/non-codex, +up-to-40 shared-prefix length, +5
// non-preview.
func scoreSibling(current, candidate ModelInfo) int {
	score := 0
	if candidate.Vendor == current.Vendor {
		score += 50
	}
	if candidate.Family == current.Family {
		score += 80
	}
	if candidate.IsCodex == current.IsCodex {
		score += 15
	}
	score += sharedPrefixLen(current.ID, candidate.ID)
	if !candidate.IsPreview {
		score += 5
	}
	return score
}

func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	if i > 40 {
		return 40
	}
	return i
}

var (
	datedSuffixRe = regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`)
	patchVerRe    = regexp.MustCompile(`(-\d+\.\d+)\.\d+$`)
	codexSuffixRe = regexp.MustCompile(`-codex-[a-z0-9]+$`)
)

// StripVariantSuffix removes the variant decoration from a model id when
// searching for a plainer sibling: a trailing "-codex-<suffix>", a
// trailing dated suffix ("-2024-05-13"), or a patch-level version
// component ("-4.1.2" condenses to "-4.1"; a plain "-4.1" stays).
// Returns the id unchanged if no pattern matches.
func StripVariantSuffix(id string) string {
	if m := codexSuffixRe.FindStringIndex(id); m != nil {
		return id[:m[0]]
	}
	if m := datedSuffixRe.FindStringIndex(id); m != nil {
		return id[:m[0]]
	}
	if loc := patchVerRe.FindStringSubmatchIndex(id); loc != nil {
		return id[:loc[3]]
	}
	return id
}

// FindSibling searches registry for the best sibling of current that
// supports endpoint, preferring (a) same-family-lower-tier, then (b) the
// model whose id equals current's variant-suffix-stripped id, then (c)
// the highest-scoring candidate by the rubric. Returns "" if none qualify.
func FindSibling(current ModelInfo, registry []ModelInfo, endpoint string) string {
	var sameFamilyLowerTier []ModelInfo
	for _, m := range registry {
		if m.ID == current.ID || !supports(m, endpoint) {
			continue
		}
		if m.Family == current.Family && m.Tier < current.Tier {
			sameFamilyLowerTier = append(sameFamilyLowerTier, m)
		}
	}
	if len(sameFamilyLowerTier) > 0 {
		best := sameFamilyLowerTier[0]
		bestTier := best.Tier
		for _, m := range sameFamilyLowerTier[1:] {
			if m.Tier > bestTier {
				best, bestTier = m, m.Tier
			}
		}
		return best.ID
	}

	if stripped := StripVariantSuffix(current.ID); stripped != current.ID {
		for _, m := range registry {
			if m.ID == stripped && supports(m, endpoint) {
				return m.ID
			}
		}
	}

	var best ModelInfo
	bestScore := -1
	for _, m := range registry {
		if m.ID == current.ID || !supports(m, endpoint) {
			continue
		}
		s := scoreSibling(current, m)
		if s > bestScore {
			best, bestScore = m, s
		}
	}
	if bestScore < 0 {
		return ""
	}
	return best.ID
}

// ResolveFallbackChain picks the first declared-available candidate from
// chain (the user's configured fallback list for `model`), or "" if the
// chain is empty or no candidate is available.
func ResolveFallbackChain(chain []string, available func(model string) bool) string {
	for _, candidate := range chain {
		if available(candidate) {
			return candidate
		}
	}
	return ""
}

// IsQuotaError reports whether code/message indicate quota exhaustion,
// which must be remapped 429→402 on egress rather than retried.
func IsQuotaError(code, message string) bool {
	switch code {
	case "quota_exceeded", "insufficient_quota":
		return true
	}
	m := strings.ToLower(message)
	return strings.Contains(m, "no quota") || strings.Contains(m, "quota exceeded")
}
