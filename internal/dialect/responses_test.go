package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupportsResponsesOnly(t *testing.T) {
	assert.True(t, SupportsResponsesOnly([]string{"/responses"}))
	assert.False(t, SupportsResponsesOnly([]string{"/responses", "/chat/completions"}))
	assert.False(t, SupportsResponsesOnly([]string{"/chat/completions"}))
	assert.False(t, SupportsResponsesOnly(nil))
}

func TestToResponsesRequest_SystemHoistedToInstructions(t *testing.T) {
	env := &Envelope{
		Model: "m",
		Messages: []Message{
			{Role: string(RoleSystem), Content: TextContent("be terse")},
			{Role: string(RoleUser), Content: TextContent("hi")},
		},
	}
	req := ToResponsesRequest(env)
	assert.Equal(t, "be terse", req.Instructions)
	require.Len(t, req.Input, 1)
	assert.Equal(t, "message", req.Input[0].Type)
	assert.Equal(t, string(RoleUser), req.Input[0].Role)
}

func TestToResponsesRequest_ToolCallsAndRepliesConverted(t *testing.T) {
	env := &Envelope{
		Model: "m",
		Messages: []Message{
			{Role: string(RoleAssistant), ToolCalls: []ToolCall{
				{ID: "call_1", Function: FunctionCall{Name: "f", Arguments: "{}"}},
			}},
			{Role: string(RoleTool), ToolCallID: "call_1", Content: TextContent("42")},
		},
	}
	req := ToResponsesRequest(env)
	require.Len(t, req.Input, 2)
	assert.Equal(t, "function_call", req.Input[0].Type)
	assert.Equal(t, "call_1", req.Input[0].CallID)
	assert.Equal(t, "function_call_output", req.Input[1].Type)
	assert.Equal(t, "42", req.Input[1].Output)
}

func TestFromResponsesReply_FunctionCallBecomesToolCalls(t *testing.T) {
	reply := ResponsesReply{
		Output: []ResponsesOutputItem{
			{Type: "function_call", CallID: "call_1", Name: "f", Arguments: `{"x":1}`},
		},
	}
	msg, finish := FromResponsesReply(reply)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "call_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "tool_calls", finish)
}

func TestFromResponsesReply_MessageBecomesTextContent(t *testing.T) {
	reply := ResponsesReply{
		Output: []ResponsesOutputItem{
			{Type: "message", Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{{Type: "output_text", Text: "hello"}}},
		},
	}
	msg, finish := FromResponsesReply(reply)
	assert.Equal(t, "hello", msg.Content.Text)
	assert.Equal(t, "stop", finish)
}
