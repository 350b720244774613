package dialect

import (
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// RelinkToolResults repairs stale tool-call ids echoed back by a client.
// When an assistant message declares tool_calls [A, B, C] and the
// immediately following contiguous run of tool-role messages has ids that
// don't overlap {A,B,C} but has the same count, the run is relinked
// positionally — the client echoed the right replies against the wrong
// ids. If the counts differ, unmatched tool-role messages are dropped (or
// the assistant's tool_calls trimmed) rather than left dangling, since a
// dangling tool_call_id sends an agent client into a retry loop.
func RelinkToolResults(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		out = append(out, m)
		if m.Role != string(RoleAssistant) || !m.HasToolCalls() {
			continue
		}

		runStart := i + 1
		runEnd := runStart
		for runEnd < len(msgs) && msgs[runEnd].Role == string(RoleTool) {
			runEnd++
		}
		run := msgs[runStart:runEnd]

		ids := make(map[string]bool, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			ids[tc.ID] = true
		}

		overlaps := false
		for _, r := range run {
			if ids[r.ToolCallID] {
				overlaps = true
				break
			}
		}

		switch {
		case overlaps:
			// At least one id lines up already; leave the run untouched.
		case len(run) == len(m.ToolCalls):
			logger.Logger.Debug("relinked stale tool-result ids positionally",
				zap.Int("count", len(run)))
			for j, r := range run {
				r.ToolCallID = m.ToolCalls[j].ID
				run[j] = r
			}
		case len(run) > len(m.ToolCalls):
			run = run[:len(m.ToolCalls)]
			for j := range run {
				run[j].ToolCallID = m.ToolCalls[j].ID
			}
		default:
			trimmed := make([]ToolCall, len(run))
			copy(trimmed, m.ToolCalls[:len(run)])
			out[len(out)-1].ToolCalls = trimmed
			for j := range run {
				run[j].ToolCallID = trimmed[j].ID
			}
		}

		out = append(out, run...)
		i = runEnd - 1
	}

	return out
}
