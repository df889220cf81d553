// Package conversation owns the durable conversation record: the session,
// its token-budgeted context window, and its checkpoint lifecycle.
package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Maximooch/penguin/internal/providers"
	"github.com/Maximooch/penguin/internal/tokens"
	"github.com/Maximooch/penguin/pkg/protocol"
)

// Default share of max history tokens per message category.
var defaultBudgets = map[string]float64{
	providers.CategorySystem:     0.10,
	providers.CategoryContext:    0.30,
	providers.CategoryDialog:     0.45,
	providers.CategoryToolResult: 0.10,
	providers.CategoryReasoning:  0.05,
}

// overflowOrder is the cross-category trim sequence when per-category trims
// were not enough. Least valuable first.
var overflowOrder = []string{
	providers.CategoryToolResult,
	providers.CategoryReasoning,
	providers.CategoryContext,
	providers.CategoryDialog,
}

// protectedDialogTail is how many trailing DIALOG messages survive any trim
// (the last user/assistant pair).
const protectedDialogTail = 2

// truncationLogSize bounds the in-memory truncation history.
const truncationLogSize = 50

// ContextTooLargeError means only protected messages remain and the window
// still exceeds its limit. The caller must shrink its input.
type ContextTooLargeError struct {
	Total int
	Max   int
}

func (e *ContextTooLargeError) Error() string {
	return fmt.Sprintf("context too large: %d tokens of protected content exceed limit %d", e.Total, e.Max)
}

// TruncationRecord is one entry in the bounded truncation log.
type TruncationRecord struct {
	Category        string `json:"category"`
	MessagesRemoved int    `json:"messages_removed"`
	TokensFreed     int    `json:"tokens_freed"`
}

// Window enforces token budgets over one conversation. Not safe for
// concurrent use; the owning Manager serializes access.
type Window struct {
	maxTokens int
	budgets   map[string]float64
	counter   *tokens.Counter

	log []TruncationRecord
	// pending holds truncation events recorded during Enforce. The owning
	// Manager drains and publishes them after releasing its mutex, so
	// subscribers may call back into the Manager.
	pending []pendingEvent
}

func NewWindow(maxTokens int, counter *tokens.Counter) *Window {
	return &Window{
		maxTokens: maxTokens,
		budgets:   defaultBudgets,
		counter:   counter,
	}
}

// SetMaxTokens rebinds the window to a new model capacity. The caller
// re-enforces afterwards.
func (w *Window) SetMaxTokens(maxTokens int) {
	w.maxTokens = maxTokens
}

// MaxTokens returns the current history token limit.
func (w *Window) MaxTokens() int { return w.maxTokens }

// Enforce trims messages to fit the window and returns the surviving list.
// Phase one trims each over-budget category oldest-first; phase two
// round-robins across categories until the total fits. SYSTEM messages and
// the trailing dialog pair are never removed.
func (w *Window) Enforce(ctx context.Context, messages []providers.Message) ([]providers.Message, error) {
	kept := make([]providers.Message, len(messages))
	copy(kept, messages)

	counts := make([]int, len(kept))
	for i := range kept {
		counts[i] = w.messageTokens(kept[i])
	}

	removed := make(map[string]*TruncationRecord)
	note := func(category string, tokens int) {
		rec := removed[category]
		if rec == nil {
			rec = &TruncationRecord{Category: category}
			removed[category] = rec
		}
		rec.MessagesRemoved++
		rec.TokensFreed += tokens
	}

	// Per-category budget pass.
	for category, fraction := range w.budgets {
		if category == providers.CategorySystem {
			continue
		}
		budget := int(float64(w.maxTokens) * fraction)
		for w.categoryTotal(kept, counts, category) > budget {
			i := w.oldestRemovable(kept, category)
			if i < 0 {
				break
			}
			note(category, counts[i])
			kept = append(kept[:i], kept[i+1:]...)
			counts = append(counts[:i], counts[i+1:]...)
		}
	}

	// Overflow pass: one removal per category per round.
	for w.total(counts) > w.maxTokens {
		any := false
		for _, category := range overflowOrder {
			if w.total(counts) <= w.maxTokens {
				break
			}
			i := w.oldestRemovable(kept, category)
			if i < 0 {
				continue
			}
			note(category, counts[i])
			kept = append(kept[:i], kept[i+1:]...)
			counts = append(counts[:i], counts[i+1:]...)
			any = true
		}
		if !any {
			w.record(removed)
			return kept, &ContextTooLargeError{Total: w.total(counts), Max: w.maxTokens}
		}
	}

	w.record(removed)
	return kept, nil
}

// Usage summarizes current token consumption for a message list.
func (w *Window) Usage(messages []providers.Message) protocol.UsageReport {
	perCategory := make(map[string]int)
	total := 0
	for _, msg := range messages {
		n := w.messageTokens(msg)
		perCategory[categoryOf(msg)] += n
		total += n
	}
	return protocol.UsageReport{
		CurrentTotal: total,
		MaxTokens:    w.maxTokens,
		PerCategory:  perCategory,
		Truncations:  len(w.log),
	}
}

// Truncations returns a copy of the bounded truncation log, oldest first.
func (w *Window) Truncations() []TruncationRecord {
	out := make([]TruncationRecord, len(w.log))
	copy(out, w.log)
	return out
}

func (w *Window) record(removed map[string]*TruncationRecord) {
	for _, category := range []string{
		providers.CategoryToolResult,
		providers.CategoryReasoning,
		providers.CategoryContext,
		providers.CategoryDialog,
	} {
		rec := removed[category]
		if rec == nil {
			continue
		}
		w.log = append(w.log, *rec)
		if len(w.log) > truncationLogSize {
			w.log = w.log[len(w.log)-truncationLogSize:]
		}
		slog.Debug("context: trimmed messages",
			"category", rec.Category,
			"removed", rec.MessagesRemoved,
			"tokens_freed", rec.TokensFreed,
		)
		w.pending = append(w.pending, pendingEvent{protocol.EventTruncation, protocol.TruncationPayload{
			Category:        rec.Category,
			MessagesRemoved: rec.MessagesRemoved,
			TokensFreed:     rec.TokensFreed,
		}})
	}
}

// takeEvents returns and clears the deferred truncation events. Called under
// the Manager mutex.
func (w *Window) takeEvents() []pendingEvent {
	out := w.pending
	w.pending = nil
	return out
}

// oldestRemovable finds the first unprotected message of a category, or -1.
func (w *Window) oldestRemovable(messages []providers.Message, category string) int {
	protectedFrom := len(messages)
	if category == providers.CategoryDialog {
		// Walk back past the trailing dialog pair.
		seen := 0
		for i := len(messages) - 1; i >= 0 && seen < protectedDialogTail; i-- {
			if categoryOf(messages[i]) == providers.CategoryDialog {
				seen++
				protectedFrom = i
			}
		}
	}
	for i, msg := range messages {
		if categoryOf(msg) != category {
			continue
		}
		if category == providers.CategoryDialog && i >= protectedFrom {
			return -1
		}
		return i
	}
	return -1
}

func (w *Window) categoryTotal(messages []providers.Message, counts []int, category string) int {
	total := 0
	for i, msg := range messages {
		if categoryOf(msg) == category {
			total += counts[i]
		}
	}
	return total
}

func (w *Window) total(counts []int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}

func (w *Window) messageTokens(msg providers.Message) int {
	return w.counter.CountMessage(msg.Content, len(msg.Images))
}

// categoryOf defaults uncategorized messages to DIALOG so they are countable
// and trimmable.
func categoryOf(msg providers.Message) string {
	if msg.Category != "" {
		return msg.Category
	}
	if msg.Role == providers.RoleSystem {
		return providers.CategorySystem
	}
	return providers.CategoryDialog
}
