// Package cache implements the Request Cache: a fingerprint-keyed,
// TTL-bounded, LRU-evicted store of upstream responses, backed by
// github.com/hashicorp/golang-lru/v2 for eviction and
// golang.org/x/sync/singleflight to collapse concurrent identical misses
// into a single upstream dispatch.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jinzhu/copier"
	"golang.org/x/sync/singleflight"

	"github.com/Laisky/codeassist-proxy/internal/dialect"
	"github.com/Laisky/codeassist-proxy/internal/metrics"
)

// Entry is one cached response.
type Entry struct {
	Fingerprint   string    `json:"fingerprint"`
	Response      []byte    `json:"response"`
	Model         string    `json:"model"`
	InputTokens   int       `json:"input_tokens"`
	OutputTokens  int       `json:"output_tokens"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	HitCount      int       `json:"hit_count"`
}

// fingerprintEnvelope is the canonical, key-ordered payload whose hash
// becomes the cache key. Field order matters for determinism but Go's
// struct-tag-driven json.Marshal already emits struct fields in
// declaration order, so the struct below IS the fixed order.
type fingerprintEnvelope struct {
	Model            string          `json:"model"`
	Messages         []reducedMsg    `json:"messages"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int            `json:"max_tokens"`
	TopP             *float64        `json:"top_p"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	Seed             *int            `json:"seed"`
	Stop             any             `json:"stop"`
	ResponseFormat   any             `json:"response_format"`
	ToolChoice       any             `json:"tool_choice"`
	User             string          `json:"user"`
	LogitBias        map[string]int  `json:"logit_bias"`
	Logprobs         *bool           `json:"logprobs"`
	N                *int            `json:"n"`
	Stream           bool            `json:"stream"`
	Tools            string          `json:"tools"`
	CredentialID     string          `json:"credential_id"`
}

type reducedMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Fingerprint computes the deterministic cache key for env: a
// model-id-prefixed, first-16-hex-char SHA-256 of the canonical
// envelope.
func Fingerprint(env *dialect.Envelope) string {
	reduced := make([]reducedMsg, len(env.Messages))
	for i, m := range env.Messages {
		reduced[i] = reducedMsg{Role: m.Role, Content: dialect.ContentAsPlainText(m.Content)}
	}

	toolsJSON, _ := json.Marshal(env.Tools)

	envelope := fingerprintEnvelope{
		Model:            env.Model,
		Messages:         reduced,
		Temperature:      env.Temperature,
		MaxTokens:        env.MaxTokens,
		TopP:             env.TopP,
		FrequencyPenalty: env.FrequencyPenalty,
		PresencePenalty:  env.PresencePenalty,
		Seed:             env.Seed,
		Stop:             env.Stop,
		ResponseFormat:   env.ResponseFormat,
		ToolChoice:       env.ToolChoice,
		User:             env.User,
		LogitBias:        env.LogitBias,
		Logprobs:         env.Logprobs,
		N:                env.N,
		Stream:           env.Stream,
		Tools:            string(toolsJSON),
		CredentialID:     env.CredentialID,
	}

	data, _ := json.Marshal(envelope)
	sum := sha256.Sum256(data)
	return env.Model + ":" + hex.EncodeToString(sum[:])[:16]
}

// Cache is the process-wide request cache.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	lru       *lru.Cache[string, struct{}] // tracks recency for eviction
	maxSize   int
	ttl       time.Duration
	group     singleflight.Group

	hits, misses, savedTokens int
}

// New constructs a Cache with the given size bound and TTL.
func New(maxSize int, ttl time.Duration) *Cache {
	l, _ := lru.New[string, struct{}](maxSize)
	return &Cache{
		entries: make(map[string]*Entry),
		lru:     l,
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns the entry for key, or ok=false on miss (including an
// expired-by-TTL entry, which is deleted on access). Hit/miss counters
// and last-accessed/hit-count bookkeeping are updated atomically with the
// lookup.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.Global.CacheMiss()
		return Entry{}, false
	}
	if time.Since(e.CreatedAt) > c.ttl {
		delete(c.entries, key)
		c.lru.Remove(key)
		c.misses++
		metrics.Global.CacheMiss()
		return Entry{}, false
	}

	e.LastAccessed = time.Now()
	e.HitCount++
	c.lru.Add(key, struct{}{}) // refresh recency
	c.hits++
	saved := e.InputTokens + e.OutputTokens
	c.savedTokens += saved
	metrics.Global.CacheHit()
	metrics.Global.CacheSavedTokens(saved)

	// Deep-copy out: Entry.Response is a byte slice, and a shallow struct
	// copy would still alias the stored backing array — a caller mutating
	// its "own" response bytes would corrupt the cached entry in place.
	var out Entry
	if err := copier.CopyWithOption(&out, e, copier.Option{DeepCopy: true}); err != nil {
		out = *e
	}
	return out, true
}

// Set inserts entry under key. If the cache exceeds its configured max
// size afterward, entries are evicted by ascending last-accessed (the
// LRU's own eviction order) until the size invariant holds again.
func (c *Cache) Set(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Deep-copy in for the same reason Get deep-copies out: the caller's
	// Entry may be reused or its Response buffer mutated after Set returns.
	var stored Entry
	if err := copier.CopyWithOption(&stored, &entry, copier.Option{DeepCopy: true}); err != nil {
		stored = entry
	}
	stored.CreatedAt = time.Now()
	stored.LastAccessed = stored.CreatedAt
	c.entries[key] = &stored
	if evicted := c.lru.Add(key, struct{}{}); evicted {
		metrics.Global.CacheEviction()
	}

	for len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.LastAccessed.Before(oldestAt) {
			oldestKey, oldestAt = k, e.LastAccessed
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.lru.Remove(oldestKey)
		metrics.Global.CacheEviction()
	}
}

// Eligible reports whether a response is a cache candidate at all:
// streaming responses and responses carrying tool-call outputs are never
// cached (they belong to an in-progress agent turn, not a completed,
// replayable answer).
func Eligible(stream bool, hasToolCalls bool) bool {
	return !stream && !hasToolCalls
}

// Stats returns the hit/miss/saved-token counters for observability.
func (c *Cache) Stats() (hits, misses, savedTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.savedTokens
}

// Snapshot returns entries sorted by fingerprint for deterministic
// persistence, discarding any already past TTL.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for k, e := range c.entries {
		if time.Since(e.CreatedAt) > c.ttl {
			continue
		}
		e.Fingerprint = k
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Restore loads a previously persisted snapshot, discarding entries past
// TTL.
func (c *Cache) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if time.Since(e.CreatedAt) > c.ttl {
			continue
		}
		cp := e
		c.entries[e.Fingerprint] = &cp
		c.lru.Add(e.Fingerprint, struct{}{})
	}
}

// persistedCache is the request-cache.json layout: surviving entries plus
// the hit/miss/saved-token counters.
type persistedCache struct {
	Entries     []Entry `json:"entries"`
	Hits        int     `json:"hits"`
	Misses      int     `json:"misses"`
	SavedTokens int     `json:"savedTokens"`
}

// SaveToFile persists the cache snapshot and counters atomically
// (write-temp, rename). Like every other persistence path in this
// process, failures are the caller's to log, never to propagate into a
// request.
func (c *Cache) SaveToFile(path string) error {
	c.mu.Lock()
	hits, misses, saved := c.hits, c.misses, c.savedTokens
	c.mu.Unlock()

	data, err := json.MarshalIndent(persistedCache{
		Entries: c.Snapshot(), Hits: hits, Misses: misses, SavedTokens: saved,
	}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "request-cache-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// LoadFromFile restores a persisted snapshot. A missing or corrupt file
// yields an empty cache, not an error; entries past TTL are discarded.
func (c *Cache) LoadFromFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var p persistedCache
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	c.Restore(p.Entries)
	c.mu.Lock()
	c.hits, c.misses, c.savedTokens = p.Hits, p.Misses, p.SavedTokens
	c.mu.Unlock()
}

// RunPersistLoop writes the cache back to path on an interval, and once
// more on ctx cancellation, logging nothing itself — persistence here is
// best-effort by design and the caller supplies the failure sink.
func RunPersistLoop(ctx context.Context, c *Cache, path string, interval time.Duration, onError func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func() {
		if err := c.SaveToFile(path); err != nil && onError != nil {
			onError(err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			save()
			return
		case <-ticker.C:
			save()
		}
	}
}

// GetOrDispatch collapses concurrent identical cache misses for the same
// key into a single call to dispatch, via singleflight — protecting
// upstream from a thundering herd on a freshly-expired hot entry.
func (c *Cache) GetOrDispatch(key string, dispatch func() (Entry, error)) (Entry, error, bool) {
	if e, ok := c.Get(key); ok {
		return e, nil, true
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		e, err := dispatch()
		if err != nil {
			return Entry{}, err
		}
		c.Set(key, e)
		return e, nil
	})
	_ = shared
	if err != nil {
		return Entry{}, err, false
	}
	return v.(Entry), nil, false
}
