package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAnthropicRequest_SystemStringPromotesToMessage(t *testing.T) {
	body := `{"model":"claude-3","system":"be terse","messages":[{"role":"user","content":"hi"}],"max_tokens":100}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 2)
	assert.Equal(t, string(RoleSystem), env.Messages[0].Role)
	assert.Equal(t, "be terse", env.Messages[0].Content.Text)
}

func TestNormalizeAnthropicRequest_SystemBlockListConcatenated(t *testing.T) {
	body := `{"model":"claude-3","system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[]}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "ab", env.Messages[0].Content.Text)
}

func TestNormalizeAnthropicRequest_ToolUsePreservesIDVerbatim(t *testing.T) {
	body := `{"model":"claude-3","messages":[
		{"role":"assistant","content":[{"type":"tool_use","id":"toolu_01abc","name":"f","input":{"x":1}}]}
	]}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	require.Len(t, env.Messages[0].ToolCalls, 1)
	assert.Equal(t, "toolu_01abc", env.Messages[0].ToolCalls[0].ID)
}

func TestNormalizeAnthropicRequest_ToolResultPromotesToToolMessage(t *testing.T) {
	body := `{"model":"claude-3","messages":[
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01abc","content":"42"}]}
	]}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, string(RoleTool), env.Messages[0].Role)
	assert.Equal(t, "toolu_01abc", env.Messages[0].ToolCallID)
	assert.Equal(t, "42", env.Messages[0].Content.Text)
}

func TestNormalizeAnthropicRequest_TextAndToolUseStayOneMessage(t *testing.T) {
	body := `{"model":"claude-3","messages":[
		{"role":"assistant","content":[
			{"type":"text","text":"let me check"},
			{"type":"tool_use","id":"toolu_01abc","name":"f","input":{}}
		]}
	]}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "let me check", ContentAsPlainText(env.Messages[0].Content))
	require.Len(t, env.Messages[0].ToolCalls, 1)
}

func TestNormalizeAnthropicRequest_CacheControlStripped(t *testing.T) {
	body := `{"model":"claude-3","messages":[
		{"role":"user","content":[{"type":"note","text":"x","cache_control":{"type":"ephemeral"}}]}
	]}`
	env, aerr := NormalizeAnthropicRequest([]byte(body))
	require.Nil(t, aerr)
	require.Len(t, env.Messages, 1)
	assert.NotContains(t, ContentAsPlainText(env.Messages[0].Content), "cache_control")
}

func TestNormalizeAnthropicToolChoice(t *testing.T) {
	assert.Equal(t, "required", normalizeAnthropicToolChoice(map[string]any{"type": "any"}))

	got := normalizeAnthropicToolChoice(map[string]any{"type": "tool", "name": "f"})
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "function", m["type"])

	assert.Equal(t, "auto", normalizeAnthropicToolChoice("auto"))
}

func TestAnthropicStopReason(t *testing.T) {
	assert.Equal(t, "tool_use", anthropicStopReason("tool_calls"))
	assert.Equal(t, "end_turn", anthropicStopReason("stop"))
	assert.Equal(t, "max_tokens", anthropicStopReason("length"))
}

func TestToAnthropicResponse_ToolCallBecomesToolUseBlock(t *testing.T) {
	msg := Message{
		Role: string(RoleAssistant),
		ToolCalls: []ToolCall{
			{ID: "toolu_1", Function: FunctionCall{Name: "f", Arguments: `{"x":1}`}},
		},
	}
	resp := ToAnthropicResponse("msg_1", "claude-3", msg, "tool_calls", AnthropicUsage{})
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "tool_use", resp.Content[0].Type)
	assert.Equal(t, "toolu_1", resp.Content[0].ID)
	assert.Equal(t, "tool_use", resp.StopReason)
}
