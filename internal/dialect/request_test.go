package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeChatRequest_MissingModelRejected(t *testing.T) {
	_, aerr := NormalizeChatRequest([]byte(`{"messages":[]}`))
	require.NotNil(t, aerr)
	assert.Equal(t, 400, aerr.StatusCode)
}

func TestNormalizeChatRequest_MalformedJSONRejected(t *testing.T) {
	_, aerr := NormalizeChatRequest([]byte(`{not json`))
	require.NotNil(t, aerr)
}

func TestNormalizeChatRequest_MessagesNotArrayRejected(t *testing.T) {
	_, aerr := NormalizeChatRequest([]byte(`{"model":"m","messages":{"role":"user"}}`))
	require.NotNil(t, aerr)
}

func TestNormalizeChatRequest_BasicMessages(t *testing.T) {
	body := `{"model":"gpt-4.1","messages":[{"role":"user","content":"2+2"}],"stream":false}`
	env, aerr := NormalizeChatRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "user", env.Messages[0].Role)
	assert.Equal(t, "2+2", env.Messages[0].Content.Text)
	assert.False(t, env.Stream)
}

func TestNormalizeChatRequest_FallsBackToPrompt(t *testing.T) {
	body := `{"model":"gpt-4.1","prompt":"say hi"}`
	env, aerr := NormalizeChatRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, string(RoleUser), env.Messages[0].Role)
	assert.Equal(t, "say hi", env.Messages[0].Content.Text)
}

func TestNormalizeChatRequest_FallsBackToInputString(t *testing.T) {
	body := `{"model":"gpt-4.1","input":"say hi"}`
	env, aerr := NormalizeChatRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "say hi", env.Messages[0].Content.Text)
}

func TestNormalizeChatRequest_InputTypedItems(t *testing.T) {
	body := `{"model":"m","input":[
		{"type":"input_text","text":"hi"},
		{"type":"output_text","text":"there"}
	]}`
	env, aerr := NormalizeChatRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 2)
	assert.Equal(t, string(RoleUser), env.Messages[0].Role)
	assert.Equal(t, string(RoleAssistant), env.Messages[1].Role)
}

func TestNormalizeChatRequest_MissingMessagesPromptInputRejected(t *testing.T) {
	_, aerr := NormalizeChatRequest([]byte(`{"model":"m"}`))
	require.NotNil(t, aerr)
}

func TestNormalizeChatRequest_ToolCallArgumentsNormalized(t *testing.T) {
	body := `{"model":"m","messages":[{"role":"assistant","tool_calls":[
		{"id":"call_1","type":"function","function":{"name":"f","arguments":{"x":1}}}
	]}]}`
	env, aerr := NormalizeChatRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages[0].ToolCalls, 1)
	assert.JSONEq(t, `{"x":1}`, env.Messages[0].ToolCalls[0].Function.Arguments)
}
