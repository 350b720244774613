// Package history persists the proxy's recent request log and cost
// ledger, using the same write-temp-rename idiom as internal/config and
// internal/credential.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/config"
	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// Status is the terminal disposition of one request.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusCached    Status = "cached"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

const (
	maxEntries    = 1000
	retentionDays = 7
)

// Entry is one completed request's audit record.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	CredentialID string    `json:"credential_id"`
	Status       Status    `json:"status"`
	StatusCode   int       `json:"status_code,omitempty"`
	PromptTokens int       `json:"prompt_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	DurationMS   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
}

func requestHistoryPath() string { return filepath.Join(config.Dir(), "request-history.json") }
func costHistoryPath() string    { return filepath.Join(config.Dir(), "cost-history.json") }

// RequestHistory is an append-only, size- and age-bounded log of recent
// requests, persisted best-effort after every mutation.
type RequestHistory struct {
	mu      sync.Mutex
	entries []Entry
}

// LoadRequestHistory reads the persisted log, dropping anything already
// past retention on load.
func LoadRequestHistory() *RequestHistory {
	h := &RequestHistory{}
	if data, err := os.ReadFile(requestHistoryPath()); err == nil {
		var entries []Entry
		if err := json.Unmarshal(data, &entries); err == nil {
			h.entries = entries
		} else {
			logger.Logger.Warn("request-history.json is corrupt, starting empty", zap.Error(err))
		}
	}
	h.prune(time.Now())
	return h
}

// Record appends e, evicts anything over cap or past retention, and
// persists the result. Persist failures are logged, not propagated: a
// history write must never fail the request it describes.
func (h *RequestHistory) Record(e Entry) {
	h.mu.Lock()
	h.entries = append(h.entries, e)
	h.prune(time.Now())
	snapshot := make([]Entry, len(h.entries))
	copy(snapshot, h.entries)
	h.mu.Unlock()

	if err := persist(requestHistoryPath(), snapshot); err != nil {
		logger.SysError("failed to persist request-history.json", zap.Error(err))
	}
}

// prune must be called with mu held.
func (h *RequestHistory) prune(now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays)
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	h.entries = kept
	if len(h.entries) > maxEntries {
		h.entries = h.entries[len(h.entries)-maxEntries:]
	}
}

// Recent returns a snapshot of the most recent n entries, newest last.
func (h *RequestHistory) Recent(n int) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	start := len(h.entries) - n
	out := make([]Entry, n)
	copy(out, h.entries[start:])
	return out
}

// PricingOverride lets an operator override a model's per-million-token
// rate without waiting on an upstream pricing-table update.
type PricingOverride struct {
	Model            string  `json:"model"`
	PromptPerMillion float64 `json:"prompt_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// CostHistory mirrors RequestHistory's shape but for cost entries, plus
// operator-supplied pricing overrides. The actual pricing tables are an
// external collaborator (CostCalculator); this package only persists the
// ledger and the override list.
type CostHistory struct {
	mu        sync.Mutex
	entries   []Entry
	overrides []PricingOverride
}

type costHistoryFile struct {
	Entries   []Entry           `json:"entries"`
	Overrides []PricingOverride `json:"overrides"`
}

// LoadCostHistory reads the persisted cost ledger and overrides.
func LoadCostHistory() *CostHistory {
	c := &CostHistory{}
	if data, err := os.ReadFile(costHistoryPath()); err == nil {
		var f costHistoryFile
		if err := json.Unmarshal(data, &f); err == nil {
			c.entries = f.Entries
			c.overrides = f.Overrides
		} else {
			logger.Logger.Warn("cost-history.json is corrupt, starting empty", zap.Error(err))
		}
	}
	return c
}

// Record appends a cost entry and persists the ledger.
func (c *CostHistory) Record(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	if len(c.entries) > maxEntries {
		c.entries = c.entries[len(c.entries)-maxEntries:]
	}
	snapshot := c.snapshot()
	c.mu.Unlock()

	if err := persist(costHistoryPath(), snapshot); err != nil {
		logger.SysError("failed to persist cost-history.json", zap.Error(err))
	}
}

// SetOverride replaces or inserts a per-model pricing override.
func (c *CostHistory) SetOverride(o PricingOverride) {
	c.mu.Lock()
	replaced := false
	for i, existing := range c.overrides {
		if existing.Model == o.Model {
			c.overrides[i] = o
			replaced = true
			break
		}
	}
	if !replaced {
		c.overrides = append(c.overrides, o)
	}
	snapshot := c.snapshot()
	c.mu.Unlock()

	if err := persist(costHistoryPath(), snapshot); err != nil {
		logger.SysError("failed to persist cost-history.json", zap.Error(err))
	}
}

// Override returns the pricing override for model, if any.
func (c *CostHistory) Override(model string) (PricingOverride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.overrides {
		if o.Model == model {
			return o, true
		}
	}
	return PricingOverride{}, false
}

func (c *CostHistory) snapshot() costHistoryFile {
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	overrides := make([]PricingOverride, len(c.overrides))
	copy(overrides, c.overrides)
	return costHistoryFile{Entries: entries, Overrides: overrides}
}

// CostCalculator is the out-of-scope pricing-table collaborator: given a
// model and token counts, it returns the dollar cost of the call. The
// proxy ships a NoOpCalculator that always returns zero so cost fields
// degrade gracefully when no calculator is wired in.
type CostCalculator interface {
	Cost(model string, promptTokens, outputTokens int) float64
}

// NoOpCalculator always reports zero cost.
type NoOpCalculator struct{}

func (NoOpCalculator) Cost(model string, promptTokens, outputTokens int) float64 { return 0 }

// OverrideCalculator consults CostHistory's operator-supplied overrides
// before falling back to NoOpCalculator (or any other wrapped
// calculator) for models without one.
type OverrideCalculator struct {
	History  *CostHistory
	Fallback CostCalculator
}

func (o OverrideCalculator) Cost(model string, promptTokens, outputTokens int) float64 {
	if ov, ok := o.History.Override(model); ok {
		return float64(promptTokens)/1_000_000*ov.PromptPerMillion + float64(outputTokens)/1_000_000*ov.OutputPerMillion
	}
	if o.Fallback != nil {
		return o.Fallback.Cost(model, promptTokens, outputTokens)
	}
	return 0
}

func persist(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "make history dir")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal history")
	}
	tmp, err := os.CreateTemp(dir, "history-*.json.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
