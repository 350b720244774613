package dialect

import (
	"github.com/Laisky/zap"

	"github.com/Laisky/codeassist-proxy/internal/logger"
)

// ModelLimits describes the token-budget metadata a model declares, used
// to resolve how much of the prompt budget a request is allowed to spend.
type ModelLimits struct {
	MaxPromptTokens        int // 0 means "not declared"
	MaxContextWindowTokens int
	MaxOutputTokens        int // 0 means "not declared"
}

// ResolveBudget computes the usable prompt-token budget for a request,
// per the two-path resolution: an explicit max_prompt_tokens wins
// outright; otherwise the budget is the context window minus a reserve
// sized off the declared (or assumed) output budget.
func ResolveBudget(limits ModelLimits) int {
	if limits.MaxPromptTokens > 0 {
		return limits.MaxPromptTokens
	}

	tenPct := limits.MaxContextWindowTokens / 10
	var reserve int
	if limits.MaxOutputTokens > 0 {
		reserve = limits.MaxOutputTokens
		if tenPct < reserve {
			reserve = tenPct
		}
	} else {
		reserve = 4096
		if tenPct > reserve {
			reserve = tenPct
		}
	}
	return limits.MaxContextWindowTokens - reserve
}

// TruncateMessages drops the oldest non-system messages until the
// estimated token count fits within budget, preserving the system/
// developer set and never truncating below a 2-message floor or into the
// trailing tool-call turn. After truncation it sweeps for orphaned
// tool-role replies and dangling assistant tool_calls.
func TruncateMessages(msgs []Message, budget int, estimate func([]Message) int) []Message {
	if estimate(msgs) <= budget {
		return msgs
	}

	floorEnd := trailingToolTurnStart(msgs)

	working := make([]Message, len(msgs))
	copy(working, msgs)

	for estimate(working) > budget {
		idx := firstRemovableIndex(working, floorEnd)
		if idx < 0 {
			break // hit the floor; forward what's left even if over budget
		}

		removeEnd := idx + 1
		if working[idx].Role == string(RoleAssistant) && working[idx].HasToolCalls() {
			ids := make(map[string]bool, len(working[idx].ToolCalls))
			for _, tc := range working[idx].ToolCalls {
				ids[tc.ID] = true
			}
			for removeEnd < len(working) && working[removeEnd].Role == string(RoleTool) && ids[working[removeEnd].ToolCallID] {
				removeEnd++
			}
		}

		working = append(working[:idx], working[removeEnd:]...)
		floorEnd = trailingToolTurnStart(working)

		if countNonSystem(working) <= 2 {
			break
		}
	}

	logger.Logger.Debug("truncated conversation to fit prompt budget",
		zap.Int("original_messages", len(msgs)),
		zap.Int("remaining_messages", len(working)),
		zap.Int("budget", budget),
	)
	return sweepOrphans(working)
}

// trailingToolTurnStart returns the index of the most recent
// assistant-with-tool_calls message (the start of the floor that must
// never be truncated away), or len(msgs) if there is none.
func trailingToolTurnStart(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == string(RoleAssistant) && msgs[i].HasToolCalls() {
			end := i + 1
			for end < len(msgs) && msgs[end].Role == string(RoleTool) {
				end++
			}
			if end == len(msgs) {
				return i
			}
			return len(msgs)
		}
		if msgs[i].Role != string(RoleTool) {
			return len(msgs)
		}
	}
	return len(msgs)
}

// firstRemovableIndex finds the oldest message eligible for removal: not
// part of the system set, and strictly before the protected trailing
// tool-call turn.
func firstRemovableIndex(msgs []Message, floorEnd int) int {
	for i, m := range msgs {
		if i >= floorEnd {
			return -1
		}
		if m.Role == string(RoleSystem) || m.Role == string(RoleDeveloper) {
			continue
		}
		return i
	}
	return -1
}

func countNonSystem(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role != string(RoleSystem) && m.Role != string(RoleDeveloper) {
			n++
		}
	}
	return n
}

// sweepOrphans drops tool-role messages whose tool_call_id no longer
// matches any preceding assistant tool_calls, and strips tool_calls from
// assistant messages whose replies went missing (dropping the message
// outright only if it also carries no text content).
func sweepOrphans(msgs []Message) []Message {
	declared := map[string]bool{}
	for _, m := range msgs {
		if m.Role == string(RoleAssistant) {
			for _, tc := range m.ToolCalls {
				declared[tc.ID] = true
			}
		}
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == string(RoleTool) && !declared[m.ToolCallID] {
			continue
		}
		if m.Role == string(RoleAssistant) && m.HasToolCalls() {
			surviving := make([]ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if hasToolReply(msgs, tc.ID) {
					surviving = append(surviving, tc)
				}
			}
			if len(surviving) != len(m.ToolCalls) {
				m.ToolCalls = surviving
				if len(surviving) == 0 && m.Content.IsEmpty() {
					continue
				}
			}
		}
		out = append(out, m)
	}
	return out
}

func hasToolReply(msgs []Message, toolCallID string) bool {
	for _, m := range msgs {
		if m.Role == string(RoleTool) && m.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}
