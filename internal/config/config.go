// Package config loads the proxy's user configuration: environment
// overrides layered on top of a persisted config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/joho/godotenv"

	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// PoolConfig controls Account Pool behavior.
type PoolConfig struct {
	Enabled                bool   `json:"enabled"`
	Strategy               string `json:"strategy"` // sticky | round_robin | quota_based | hybrid
	AutoRotate             bool   `json:"auto_rotate"`
	AutoRotateThresholdPct int    `json:"auto_rotate_threshold_pct"`
	AutoRotateCooldownMins int    `json:"auto_rotate_cooldown_minutes"`
	ErrorRotateThreshold   int    `json:"error_rotate_threshold"`
}

// CacheConfig controls the Request Cache.
type CacheConfig struct {
	Enabled    bool `json:"enabled"`
	MaxEntries int  `json:"max_entries"`
	TTLSeconds int  `json:"ttl_seconds"`
}

// QueueConfig controls the Request Queue.
type QueueConfig struct {
	Enabled           bool `json:"enabled"`
	MaxConcurrent     int  `json:"max_concurrent"`
	MaxQueueSize      int  `json:"max_queue_size"`
	ItemTimeoutSeconds int `json:"item_timeout_seconds"`
}

// RateLimitConfig controls the per-process Rate Limiter.
type RateLimitConfig struct {
	Enabled           bool `json:"enabled"`
	MinIntervalMillis int  `json:"min_interval_millis"`
	Wait              bool `json:"wait"`
}

// WebhookConfig holds the webhook toggle and target URL; delivery itself
// is implemented in the notifier package.
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// Config is the full persisted + environment-overridden configuration.
type Config struct {
	Port            int               `json:"port"`
	APIKeys         []string          `json:"api_keys"`
	Pool            PoolConfig        `json:"pool"`
	Cache           CacheConfig       `json:"cache"`
	Queue           QueueConfig       `json:"queue"`
	RateLimit       RateLimitConfig   `json:"rate_limit"`
	Webhook         WebhookConfig     `json:"webhook"`
	FallbackChains  map[string][]string `json:"fallback_chains"`
	ModelFallback   bool              `json:"model_fallback_enabled"`
	UpstreamBaseURL string            `json:"upstream_base_url"`
	APIVersion      string            `json:"api_version"`
	ToolLoopGuard    int              `json:"tool_loop_guard_threshold"`
	ManualApprove    bool             `json:"manual_approve"`
	// UpstreamTimeoutSeconds overrides the default 60s chat-completion
	// call timeout when positive.
	UpstreamTimeoutSeconds int        `json:"upstream_timeout_seconds,omitempty"`
	Debug            bool             `json:"-"`
	WebUIPassword    string            `json:"-"`
	HTTPProxy        string            `json:"-"`
	HTTPSProxy       string            `json:"-"`

	// KnownCredentialLabels mirrors the pool's credential labels for
	// operator visibility; the Credential Store is its only writer.
	KnownCredentialLabels []string `json:"known_credential_labels,omitempty"`
}

// Default returns the built-in defaults before any overrides are applied.
func Default() *Config {
	return &Config{
		Port:    8080,
		APIKeys: nil,
		Pool: PoolConfig{
			Enabled:                true,
			Strategy:               "sticky",
			AutoRotate:             true,
			AutoRotateThresholdPct: 5,
			AutoRotateCooldownMins: 5,
			ErrorRotateThreshold:   3,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 500,
			TTLSeconds: 600,
		},
		Queue: QueueConfig{
			Enabled:            true,
			MaxConcurrent:      4,
			MaxQueueSize:       50,
			ItemTimeoutSeconds: 60,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			MinIntervalMillis: 0,
			Wait:              true,
		},
		ModelFallback:  true,
		FallbackChains: map[string][]string{},
		APIVersion:     "2024-01-01",
		ToolLoopGuard:  25,
	}
}

var (
	mu      sync.Mutex
	current *Config
)

// Dir returns the user-config directory, defaulting to ~/.codeassist-proxy.
func Dir() string {
	if v := os.Getenv("CODEASSIST_CONFIG_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeassist-proxy"
	}
	return filepath.Join(home, ".codeassist-proxy")
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads .env (best-effort), then the persisted config.json
// (best-effort: missing or corrupt yields defaults), then applies
// environment overrides on top.
func Load() *Config {
	mu.Lock()
	defer mu.Unlock()

	_ = godotenv.Load()

	cfg := Default()
	if data, err := os.ReadFile(configPath()); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			logger.Logger.Warn("config.json is corrupt, using defaults", zap.Error(err))
			cfg = Default()
		}
	}

	applyEnvOverrides(cfg)
	current = cfg
	return cfg
}

// Current returns the last-loaded configuration, loading it if necessary.
func Current() *Config {
	mu.Lock()
	c := current
	mu.Unlock()
	if c == nil {
		return Load()
	}
	return c
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("FALLBACK"); v != "" {
		// FALLBACK=model:fallback1,fallback2;model2:fallback3
		for _, clause := range strings.Split(v, ";") {
			parts := strings.SplitN(clause, ":", 2)
			if len(parts) != 2 {
				continue
			}
			model := strings.TrimSpace(parts[0])
			var chain []string
			for _, m := range strings.Split(parts[1], ",") {
				if m = strings.TrimSpace(m); m != "" {
					chain = append(chain, m)
				}
			}
			if model != "" && len(chain) > 0 {
				cfg.FallbackChains[model] = chain
			}
		}
	}
	keys := map[string]struct{}{}
	for _, k := range cfg.APIKeys {
		keys[k] = struct{}{}
	}
	for _, envName := range []string{"API_KEYS", "API_KEYS_2"} {
		if v := os.Getenv(envName); v != "" {
			for _, k := range strings.Split(v, ",") {
				if k = strings.TrimSpace(k); k != "" {
					keys[k] = struct{}{}
				}
			}
		}
	}
	cfg.APIKeys = cfg.APIKeys[:0]
	for k := range keys {
		cfg.APIKeys = append(cfg.APIKeys, k)
	}

	if v := os.Getenv("UPSTREAM_API_VERSION"); v != "" {
		cfg.APIVersion = v
	}
	cfg.Debug = os.Getenv("DEBUG") != ""
	cfg.WebUIPassword = os.Getenv("WEBUI_PASSWORD")
	cfg.HTTPProxy = os.Getenv("HTTP_PROXY")
	cfg.HTTPSProxy = os.Getenv("HTTPS_PROXY")
	if v := os.Getenv("TOOL_LOOP_GUARD_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolLoopGuard = n
		}
	}
	if v := os.Getenv("UPSTREAM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.UpstreamTimeoutSeconds = n
		}
	}
}

// saveMu serializes writes to config.json to avoid clobbering concurrent
// mutations.
var saveMu sync.Mutex

// Save atomically persists cfg to config.json (write-temp, rename).
// Failures are logged but not propagated — saves are best-effort.
func Save(cfg *Config) {
	saveMu.Lock()
	defer saveMu.Unlock()

	if err := save(cfg); err != nil {
		logger.SysError("failed to persist config.json", zap.Error(err))
	}
}

func save(cfg *Config) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "make config dir")
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	tmp, err := os.CreateTemp(dir, "config-*.json.tmp")
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
	if err := os.Rename(tmpPath, configPath()); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "rename temp file")
	}
	return nil
}
