// Package credential implements durable storage for credential records:
// load, save, and a mutate-under-lock entry point, with best-effort
// atomic persistence.
package credential

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

// PauseReason enumerates why a credential is paused.
type PauseReason string

const (
	PauseNone   PauseReason = ""
	PauseManual PauseReason = "manual"
	PauseQuota  PauseReason = "quota"
)

// QuotaBucket is one of the three usage buckets tracked per credential.
type QuotaBucket struct {
	Remaining        float64 `json:"remaining"`
	Entitlement      float64 `json:"entitlement"`
	PercentRemaining float64 `json:"percent_remaining"`
	Unlimited        bool    `json:"unlimited"`
}

// QuotaSnapshot is the most recently fetched usage state for a credential.
type QuotaSnapshot struct {
	Chat                QuotaBucket `json:"chat"`
	Completions         QuotaBucket `json:"completions"`
	PremiumInteractions QuotaBucket `json:"premium_interactions"`
	ResetDate           string      `json:"reset_date"`
	FetchedAt           time.Time   `json:"fetched_at"`
}

// Record is one credential: a long-lived secret tied to an upstream user
// identity, plus everything the pool needs to select and report on it.
type Record struct {
	ID    string `json:"id"`
	Label string `json:"label"`

	Token        string    `json:"token"`
	SessionToken string    `json:"session_token"`
	SessionExp   time.Time `json:"session_exp"`

	RequestCount  int    `json:"request_count"`
	ErrorCount    int    `json:"error_count"`
	LastUsedAt    time.Time `json:"last_used_at"`
	LastErrorKind string `json:"last_error_kind"`

	RateLimited      bool      `json:"rate_limited"`
	RateLimitResetAt time.Time `json:"rate_limit_reset_at"`

	Active      bool        `json:"active"`
	Paused      bool        `json:"paused"`
	PauseReason PauseReason `json:"pause_reason"`

	Quota QuotaSnapshot `json:"quota"`
}

// State is the durable shape of account-pool.json: the credential list
// plus the pool's selection metadata (cursor, sticky id, strategy), which
// the pool package reads and updates through Mutate.
type State struct {
	Credentials []Record `json:"credentials"`

	// LastObservedMonth is year*12+month of the last monthly-reset
	// check, persisted here (not process-local) so a restart across a
	// month boundary cannot silently skip the reset.
	LastObservedMonth int `json:"last_observed_month"`

	// Pool metadata, persisted alongside the credential list per the
	// account-pool.json layout.
	Cursor              int       `json:"cursor"`
	StickyID            string    `json:"sticky_id,omitempty"`
	LastSelectedID      string    `json:"last_selected_id,omitempty"`
	LastAutoRotationAt  time.Time `json:"last_auto_rotation_at"`
	Enabled             bool      `json:"enabled"`
	Strategy            string    `json:"strategy"`
}

var (
	mu      sync.Mutex
	current *State
)

func statePath() string {
	return filepath.Join(config.Dir(), "account-pool.json")
}

// Load reads the credential state from disk. Missing or corrupt state is
// not an error — it yields an empty pool.
func Load() *State {
	mu.Lock()
	defer mu.Unlock()

	st := &State{}
	data, err := os.ReadFile(statePath())
	if err != nil {
		current = st
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		logger.SysError("corrupt account-pool.json, starting empty", zap.Error(err))
		st = &State{}
	}
	current = st
	return st
}

// Current returns the in-memory state, loading it lazily on first use.
func Current() *State {
	mu.Lock()
	loaded := current
	mu.Unlock()
	if loaded == nil {
		return Load()
	}
	return loaded
}

// Mutate runs fn under the store's lock and persists the result
// afterward. This is the only sanctioned way to change credential state;
// the pool, quota and orchestrator packages all go through it.
func Mutate(fn func(st *State)) {
	mu.Lock()
	if current == nil {
		current = &State{}
	}
	fn(current)
	snapshot := *current
	mu.Unlock()

	Save(&snapshot)
	syncConfigMirror(&snapshot)
}

// Save atomically persists st to account-pool.json. Failures are logged
// but not propagated.
func Save(st *State) {
	if err := save(st); err != nil {
		logger.SysError("failed to persist account-pool.json", zap.Error(err))
	}
}

func save(st *State) error {
	dir := config.Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "mkdir config dir")
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal account-pool state")
	}

	path := statePath()
	tmp, err := os.CreateTemp(dir, "account-pool-*.json.tmp")
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

// syncConfigMirror mirrors the credential labels into the user-visible
// configuration file's KnownCredentialLabels — a one-way sync hook so
// operators can see which credentials exist without opening
// account-pool.json. Tokens are not written to the configuration file.
func syncConfigMirror(st *State) {
	cfg := config.Current()
	labels := make([]string, 0, len(st.Credentials))
	for _, c := range st.Credentials {
		labels = append(labels, c.Label)
	}
	cfg.KnownCredentialLabels = labels
	config.Save(cfg)
}
