package providers

import (
	"log/slog"
	"regexp"
	"strings"
)

// SanitizeHistory rewrites a message list so it passes every provider's
// validator. Two illegal shapes appear routinely after rewinds, branches,
// and provider switches:
//
//  1. A tool-role message whose tool_call_id has no matching tool_calls entry
//     in the immediately preceding assistant message. These are rewritten to
//     plain assistant messages prefixed with "[Tool Result] ".
//  2. A user message whose text references a tool-call id that no longer
//     exists. Those references are redacted to "[tool-call-reference]".
//
// The rewrite is centralized here; adapters call it first and never apply
// their own ad-hoc fixes.
func SanitizeHistory(messages []Message) []Message {
	known := make(map[string]bool) // every call id ever declared, for redaction
	open := make(map[string]bool)  // calls of the last assistant message appended
	out := make([]Message, 0, len(messages))

	var rewrites int
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			open = make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				known[tc.ID] = true
				open[tc.ID] = true
			}
			out = append(out, msg)

		case RoleTool:
			if msg.ToolCallID != "" && open[msg.ToolCallID] {
				out = append(out, msg)
				continue
			}
			rewritten := msg
			rewritten.Role = RoleAssistant
			rewritten.ToolCallID = ""
			rewritten.ToolCalls = nil
			if !strings.HasPrefix(rewritten.Content, "[Tool Result]") {
				rewritten.Content = "[Tool Result] " + rewritten.Content
			}
			// The interposed assistant message breaks adjacency for any
			// remaining results of the same call group; they get rewritten too.
			open = map[string]bool{}
			out = append(out, rewritten)
			rewrites++

		case RoleUser:
			open = map[string]bool{}
			cleaned := msg
			cleaned.Content = redactOrphanCallRefs(msg.Content, known)
			out = append(out, cleaned)

		default:
			open = map[string]bool{}
			out = append(out, msg)
		}
	}

	if rewrites > 0 {
		slog.Debug("gateway: rewrote orphan tool messages", "count", rewrites)
	}
	return out
}

// PrecedingAssistantHasCall reports whether the nearest preceding
// non-tool message is an assistant message declaring the given call.
// Tool results may follow each other (parallel calls), so intermediate tool
// messages are skipped. Exposed for wire-shape verification in tests.
func PrecedingAssistantHasCall(messages []Message, i int, callID string) bool {
	for j := i - 1; j >= 0; j-- {
		switch messages[j].Role {
		case RoleTool:
			continue
		case RoleAssistant:
			for _, tc := range messages[j].ToolCalls {
				if tc.ID == callID {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	return false
}

// toolCallRefPattern matches provider tool-call id shapes quoted in user text.
var toolCallRefPattern = regexp.MustCompile(`\b(?:call|toolu|tool_call)_[A-Za-z0-9_-]{4,}\b`)

func redactOrphanCallRefs(text string, known map[string]bool) string {
	if text == "" || !strings.Contains(text, "_") {
		return text
	}
	return toolCallRefPattern.ReplaceAllStringFunc(text, func(ref string) string {
		if known[ref] {
			return ref
		}
		return "[tool-call-reference]"
	})
}

// HoistSystem splits the history into system text (joined in order) and the
// remaining non-system messages. Providers with a top-level system field use
// both halves; providers without system support inline the text as the first
// user message.
func HoistSystem(messages []Message) (system string, rest []Message) {
	var parts []string
	rest = make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if msg.Content != "" {
				parts = append(parts, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(parts, "\n\n"), rest
}
