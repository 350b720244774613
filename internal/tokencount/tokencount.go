// Package tokencount provides the Estimator boundary interface and a
// tiktoken-go backed adapter, deferring to that library rather than
// implementing a tokenizer of its own.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Laisky/codeassist-proxy/internal/dialect"
)

// Estimator estimates token counts for billing, truncation budgeting, and
// cache saved-token accounting.
type Estimator interface {
	CountText(s string) int
	CountMessages(msgs []dialect.Message) int
}

// TiktokenEstimator adapts github.com/pkoukk/tiktoken-go behind Estimator.
type TiktokenEstimator struct {
	mu    sync.Mutex
	cache map[string]*tiktoken.Tiktoken
}

// NewTiktokenEstimator returns a ready-to-use Estimator.
func NewTiktokenEstimator() *TiktokenEstimator {
	return &TiktokenEstimator{cache: map[string]*tiktoken.Tiktoken{}}
}

func (e *TiktokenEstimator) encoding() (*tiktoken.Tiktoken, error) {
	const enc = "cl100k_base"
	e.mu.Lock()
	defer e.mu.Unlock()
	if tk, ok := e.cache[enc]; ok {
		return tk, nil
	}
	tk, err := tiktoken.GetEncoding(enc)
	if err != nil {
		return nil, err
	}
	e.cache[enc] = tk
	return tk, nil
}

// CountText returns the token count of s, falling back to a conservative
// character-based heuristic if the encoder cannot be loaded.
func (e *TiktokenEstimator) CountText(s string) int {
	tk, err := e.encoding()
	if err != nil {
		return fallbackCount(s)
	}
	return len(tk.Encode(s, nil, nil))
}

// CountMessages estimates the total token count across a normalized
// message list, including a small per-message overhead matching the
// chat-markup overhead real chat models apply.
func (e *TiktokenEstimator) CountMessages(msgs []dialect.Message) int {
	total := 0
	for _, m := range msgs {
		total += 4 // role/name/separator overhead
		total += e.CountText(m.Role)
		total += e.CountText(dialect.ContentAsPlainText(m.Content))
		for _, tc := range m.ToolCalls {
			total += e.CountText(tc.Function.Name)
			total += e.CountText(tc.Function.Arguments)
		}
	}
	total += 2
	return total
}

func fallbackCount(s string) int {
	// ~4 chars/token is the standard rough estimate used when an encoder
	// is unavailable (offline test environments, unknown model family).
	n := len(s) / 4
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
