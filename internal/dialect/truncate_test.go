package dialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBudget_ExplicitMaxPromptTokensWins(t *testing.T) {
	got := ResolveBudget(ModelLimits{MaxPromptTokens: 8000, MaxContextWindowTokens: 128000, MaxOutputTokens: 4000})
	assert.Equal(t, 8000, got)
}

func TestResolveBudget_ReserveFromDeclaredOutput(t *testing.T) {
	// reserve = min(maxOutput, 10% of context) = min(2000, 12800) = 2000
	got := ResolveBudget(ModelLimits{MaxContextWindowTokens: 128000, MaxOutputTokens: 2000})
	assert.Equal(t, 126000, got)
}

func TestResolveBudget_ReserveWithoutDeclaredOutput(t *testing.T) {
	// reserve = max(4096, 10% of context) = max(4096, 12800) = 12800
	got := ResolveBudget(ModelLimits{MaxContextWindowTokens: 128000})
	assert.Equal(t, 115200, got)
}

func countTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += len(ContentAsPlainText(m.Content))
		for _, tc := range m.ToolCalls {
			total += len(tc.Function.Arguments)
		}
	}
	return total
}

func TestTruncateMessages_PreservesSystemAndTrailingToolTurn(t *testing.T) {
	msgs := []Message{
		{Role: string(RoleSystem), Content: TextContent("system prompt")},
		{Role: string(RoleUser), Content: TextContent("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Role: string(RoleAssistant), Content: TextContent("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")},
		{Role: string(RoleUser), Content: TextContent("cccccccccccccccccccccccccccccccccccccccccccccccc")},
		{Role: string(RoleAssistant), ToolCalls: []ToolCall{{ID: "A", Function: FunctionCall{Name: "f", Arguments: "{}"}}}},
		{Role: string(RoleTool), ToolCallID: "A", Content: TextContent("tool reply")},
	}

	out := TruncateMessages(msgs, 60, countTokens)

	assert.Equal(t, string(RoleSystem), out[0].Role)

	last := out[len(out)-1]
	assert.Equal(t, string(RoleTool), last.Role)
	assert.Equal(t, "A", last.ToolCallID)

	secondLast := out[len(out)-2]
	assert.True(t, secondLast.HasToolCalls())
}

func TestTruncateMessages_RemovingAssistantToolCallsAlsoRemovesReplies(t *testing.T) {
	msgs := []Message{
		{Role: string(RoleUser), Content: TextContent("padding-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Role: string(RoleAssistant), ToolCalls: []ToolCall{{ID: "old-1"}}},
		{Role: string(RoleTool), ToolCallID: "old-1", Content: TextContent("old reply")},
		{Role: string(RoleUser), Content: TextContent("recent question")},
		{Role: string(RoleAssistant), ToolCalls: []ToolCall{{ID: "new-1"}}},
		{Role: string(RoleTool), ToolCallID: "new-1", Content: TextContent("new reply")},
	}

	out := TruncateMessages(msgs, 20, countTokens)

	for _, m := range out {
		if m.Role == string(RoleTool) {
			assert.Equal(t, "new-1", m.ToolCallID)
		}
	}
}

func TestTruncateMessages_NoOrphansSurviveSweep(t *testing.T) {
	msgs := []Message{
		{Role: string(RoleSystem), Content: TextContent("s")},
		{Role: string(RoleUser), Content: TextContent("padding-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")},
		{Role: string(RoleAssistant), ToolCalls: []ToolCall{{ID: "A"}}},
		{Role: string(RoleTool), ToolCallID: "A"},
		{Role: string(RoleUser), Content: TextContent("tail question")},
		{Role: string(RoleAssistant), ToolCalls: []ToolCall{{ID: "B"}}},
		{Role: string(RoleTool), ToolCallID: "B"},
	}

	out := TruncateMessages(msgs, 15, countTokens)

	declared := map[string]bool{}
	for _, m := range out {
		for _, tc := range m.ToolCalls {
			declared[tc.ID] = true
		}
	}
	for _, m := range out {
		if m.Role == string(RoleTool) {
			require.True(t, declared[m.ToolCallID])
		}
	}
}

func TestTruncateMessages_NoOpWhenWithinBudget(t *testing.T) {
	msgs := []Message{
		{Role: string(RoleUser), Content: TextContent("hi")},
	}
	out := TruncateMessages(msgs, 1000, countTokens)
	assert.Equal(t, msgs, out)
}
