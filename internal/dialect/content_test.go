package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeContentField_String(t *testing.T) {
	c := normalizeContentField("hello")
	assert.Equal(t, ContentKindText, c.Kind)
	assert.Equal(t, "hello", c.Text)
}

func TestNormalizeContentField_Nil(t *testing.T) {
	c := normalizeContentField(nil)
	assert.Equal(t, ContentKindNull, c.Kind)
	assert.True(t, c.IsEmpty())
}

func TestNormalizeContentField_TextAndInputTextAndOutputText(t *testing.T) {
	for _, typeTag := range []string{"text", "input_text", "output_text"} {
		raw := []any{map[string]any{"type": typeTag, "text": "hi"}}
		c := normalizeContentField(raw)
		require.Len(t, c.Parts, 1)
		assert.Equal(t, PartTypeText, c.Parts[0].Type)
		assert.Equal(t, "hi", c.Parts[0].Text)
	}
}

func TestNormalizeContentField_Thinking(t *testing.T) {
	raw := []any{map[string]any{"type": "thinking", "thinking": "pondering"}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	assert.Equal(t, "pondering", c.Parts[0].Text)
}

func TestNormalizeContentField_ImageURLStringForm(t *testing.T) {
	raw := []any{map[string]any{"type": "image_url", "image_url": "https://x/y.png"}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	require.NotNil(t, c.Parts[0].ImageURL)
	assert.Equal(t, "https://x/y.png", c.Parts[0].ImageURL.URL)
}

func TestNormalizeContentField_ImageURLObjectFormWithDetail(t *testing.T) {
	raw := []any{map[string]any{
		"type":      "image_url",
		"image_url": map[string]any{"url": "https://x/y.png", "detail": "high"},
	}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	assert.Equal(t, "high", c.Parts[0].ImageURL.Detail)
}

func TestNormalizeContentField_InputImageSynthesizesDataURL(t *testing.T) {
	raw := []any{map[string]any{
		"type": "input_image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": "image/png",
			"data":       "QUJD",
		},
	}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	assert.Equal(t, "data:image/png;base64,QUJD", c.Parts[0].ImageURL.URL)
}

func TestNormalizeContentField_ImageFromSource(t *testing.T) {
	raw := []any{map[string]any{
		"type": "image",
		"source": map[string]any{
			"type":       "base64",
			"media_type": "image/jpeg",
			"data":       "Zm9v",
		},
	}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	assert.Equal(t, "data:image/jpeg;base64,Zm9v", c.Parts[0].ImageURL.URL)
}

func TestNormalizeContentField_UnknownBlockFallsBackToJSON(t *testing.T) {
	raw := []any{map[string]any{"type": "mystery", "payload": "x"}}
	c := normalizeContentField(raw)
	require.Len(t, c.Parts, 1)
	assert.Contains(t, c.Parts[0].Text, "mystery")
}
