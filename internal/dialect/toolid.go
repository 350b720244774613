package dialect

import (
	"encoding/base64"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	callPrefix          = "call_x_"
	nativeCallPrefix    = "call_"
	toolIDMapCapacity   = 10_000
)

// ToolIDCodec implements the tool-call identifier round trip: upstream-
// issued ids are normalized into a client-safe, deterministically
// decodable form on the way out; the client's echoed id is denormalized
// back on the way in. A bounded LRU additionally remembers mappings to
// refresh recency and serves as the fallback lookup for ids that don't
// decode deterministically.
type ToolIDCodec struct {
	mu    sync.Mutex
	cache *lru.Cache[string, string] // encoded -> original
}

// NewToolIDCodec returns a ready-to-use codec with a 10,000-entry bound.
// golang-lru/v2 evicts the single least-recently-used entry per insert
// past capacity — true touch-order LRU, not mere insertion order.
func NewToolIDCodec() *ToolIDCodec {
	c, _ := lru.New[string, string](toolIDMapCapacity)
	return &ToolIDCodec{cache: c}
}

// Encode normalizes an upstream tool-call id into its client-safe form.
// IDs already prefixed with "call_" pass through unchanged.
func (c *ToolIDCodec) Encode(original string) string {
	if strings.HasPrefix(original, nativeCallPrefix) {
		return original
	}
	encoded := callPrefix + base64.RawURLEncoding.EncodeToString([]byte(original))

	c.mu.Lock()
	c.cache.Add(encoded, original)
	c.mu.Unlock()

	return encoded
}

// Decode reverses Encode. It prefers the deterministic scheme (strip
// prefix, base64url-decode); only on failure does it fall back to the LRU
// lookup.
func (c *ToolIDCodec) Decode(encoded string) string {
	if strings.HasPrefix(encoded, callPrefix) {
		raw := strings.TrimPrefix(encoded, callPrefix)
		if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
			c.touch(encoded, string(decoded))
			return string(decoded)
		}
	}

	c.mu.Lock()
	original, ok := c.cache.Get(encoded) // Get() itself refreshes LRU recency
	c.mu.Unlock()
	if ok {
		return original
	}

	// Not a recognized encoding and not in the map: pass through, the id
	// is likely already a native upstream id that never went through
	// Encode (e.g. operator-injected test fixtures).
	return encoded
}

func (c *ToolIDCodec) touch(encoded, original string) {
	c.mu.Lock()
	c.cache.Add(encoded, original)
	c.mu.Unlock()
}
