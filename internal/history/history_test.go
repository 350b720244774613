package history

import (
	"testing"
	"time"
)

func TestRequestHistoryPrunesByCountAndAge(t *testing.T) {
	h := &RequestHistory{}
	now := time.Now()

	h.entries = append(h.entries, Entry{ID: "stale", Timestamp: now.AddDate(0, 0, -8)})
	for i := 0; i < maxEntries+5; i++ {
		h.entries = append(h.entries, Entry{ID: "fresh", Timestamp: now})
	}
	h.prune(now)

	if len(h.entries) != maxEntries {
		t.Fatalf("expected history capped at %d entries, got %d", maxEntries, len(h.entries))
	}
	for _, e := range h.entries {
		if e.ID == "stale" {
			t.Fatal("expected entries older than the retention window to be pruned")
		}
	}
}

func TestOverrideCalculatorPrefersOverride(t *testing.T) {
	ch := &CostHistory{}
	ch.SetOverride(PricingOverride{Model: "gpt-4.1", PromptPerMillion: 2, OutputPerMillion: 8})

	calc := OverrideCalculator{History: ch, Fallback: NoOpCalculator{}}
	got := calc.Cost("gpt-4.1", 1_000_000, 1_000_000)
	if got != 10 {
		t.Fatalf("expected 10 (2 + 8 per million tokens), got %v", got)
	}

	got = calc.Cost("unknown-model", 1_000_000, 0)
	if got != 0 {
		t.Fatalf("expected fallback to NoOpCalculator for unknown model, got %v", got)
	}
}
