package dialect

import (
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolIDCodec_NativeIDsPassThrough(t *testing.T) {
	c := NewToolIDCodec()
	assert.Equal(t, "call_abc123", c.Encode("call_abc123"))
}

func TestToolIDCodec_RoundTrip(t *testing.T) {
	c := NewToolIDCodec()
	ids := []string{"tool.x/42@abc", "", "unicode-Ω-id", "plain"}

	for _, original := range ids {
		encoded := c.Encode(original)
		decoded := c.Decode(encoded)
		assert.Equal(t, original, decoded, "round trip for %q", original)
	}
}

func TestToolIDCodec_KnownEncodingFromSpecExample(t *testing.T) {
	c := NewToolIDCodec()
	encoded := c.Encode("tool.x/42@abc")
	assert.Equal(t, "call_x_dG9vbC54LzQyQGFiYw", encoded)
}

func TestToolIDCodec_UnknownEncodedIDPassesThrough(t *testing.T) {
	c := NewToolIDCodec()
	assert.Equal(t, "call_x_not-valid-base64!!", c.Decode("call_x_not-valid-base64!!"))
}

func TestToolIDCodec_LRURecencyRefreshedOnDecode(t *testing.T) {
	c := NewToolIDCodec()
	encoded := c.Encode("keep-me-warm")

	// Force many more entries through the codec than capacity; if Decode
	// on the first id refreshes its recency, it should survive eviction
	// while ids that were never touched again should not.
	for i := 0; i < toolIDMapCapacity+500; i++ {
		c.Encode("filler-" + strconv.Itoa(i))
		if i%100 == 0 {
			c.Decode(encoded)
		}
	}

	c.mu.Lock()
	warm := c.cache.Contains(encoded)
	cold := c.cache.Contains(callPrefix + base64.RawURLEncoding.EncodeToString([]byte("filler-0")))
	c.mu.Unlock()
	assert.True(t, warm, "periodically decoded id should survive eviction")
	assert.False(t, cold, "never-touched early id should have been evicted")

	require.Equal(t, "keep-me-warm", c.Decode(encoded))
}
