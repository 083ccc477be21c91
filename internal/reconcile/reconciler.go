// Package reconcile merges message candidates arriving over the push
// channel, the polling fallback, and local optimistic writes into one
// deduplicated, ordered list per tab.
//
// Every function here is pure: callers pass the old tab state and receive a
// new one. Because push handlers, poll ticks, and user writes interleave on
// the same goroutine-per-event model, the owning manager applies each result
// as a single atomic swap, never a read-modify-write across a suspension
// point.
package reconcile

import (
	"sort"

	"chatsync/internal/model"
)

// Result describes what applying one candidate did.
type Result struct {
	Tabs []model.Tab
	// Applied is true when at least one tab changed (insert or optimistic
	// replacement). A duplicate id is an idempotent no-op and reports
	// false.
	Applied bool
	// Replaced is true when the candidate superseded an optimistic entry
	// instead of being inserted.
	Replaced bool
}

// Apply routes a candidate into every tab bound to its conversation.
// activeTabID controls unread counting: assistant messages landing on a
// non-active tab bump its unread counter.
func Apply(tabs []model.Tab, candidate model.Message, activeTabID string) Result {
	res := Result{Tabs: tabs}
	if candidate.ConversationID == "" {
		return res
	}

	out := make([]model.Tab, len(tabs))
	copy(out, tabs)

	for i := range out {
		if out[i].Conversation.ID != candidate.ConversationID {
			continue
		}
		tab, changed, replaced := applyToTab(out[i], candidate, activeTabID)
		if !changed {
			continue
		}
		out[i] = tab
		res.Applied = true
		res.Replaced = res.Replaced || replaced
	}

	if res.Applied {
		res.Tabs = out
	}
	return res
}

// applyToTab applies one candidate to one tab, returning the (possibly new)
// tab and whether anything changed.
func applyToTab(tab model.Tab, candidate model.Message, activeTabID string) (model.Tab, bool, bool) {
	// Same id already materialized: the candidate arrived redundantly via
	// the other channel. Idempotent no-op.
	for _, m := range tab.Messages {
		if m.ID == candidate.ID {
			return tab, false, false
		}
	}

	msgs := tab.CloneMessages()
	replaced := false

	if !candidate.Optimistic {
		if idx := matchOptimistic(msgs, candidate); idx >= 0 {
			// The canonical row for a message we already rendered
			// optimistically: supersede it in place so the just-sent
			// message never shows twice.
			msgs[idx] = candidate
			replaced = true
		}
	}
	if !replaced {
		msgs = append(msgs, candidate)
		SortMessages(msgs)
	}
	tab.Messages = msgs

	if candidate.Role == model.RoleAssistant {
		if tab.TabID != activeTabID {
			tab.UnreadCount++
		}
		if tab.PendingTurn {
			tab.PendingTurn = false
			tab.PendingSince = 0
		}
	}

	return tab, true, replaced
}

// matchOptimistic finds the optimistic entry a canonical candidate
// supersedes. Exact idempotency-key correlation wins; the role+content
// heuristic remains as a fallback for writes whose key the server did not
// echo.
func matchOptimistic(msgs []model.Message, candidate model.Message) int {
	if candidate.ClientKey != "" {
		for i, m := range msgs {
			if m.Optimistic && m.ClientKey == candidate.ClientKey {
				return i
			}
		}
	}
	for i, m := range msgs {
		if m.Optimistic && m.Role == candidate.Role && m.Content == candidate.Content {
			return i
		}
	}
	return -1
}

// RemoveOptimistic drops the optimistic entry with the given idempotency key
// from every tab bound to the conversation. Used when the backing write
// fails.
func RemoveOptimistic(tabs []model.Tab, conversationID, clientKey string) ([]model.Tab, bool) {
	removed := false
	out := make([]model.Tab, len(tabs))
	copy(out, tabs)

	for i := range out {
		if out[i].Conversation.ID != conversationID {
			continue
		}
		msgs := out[i].Messages
		for j, m := range msgs {
			if m.Optimistic && m.ClientKey == clientKey {
				next := make([]model.Message, 0, len(msgs)-1)
				next = append(next, msgs[:j]...)
				next = append(next, msgs[j+1:]...)
				out[i].Messages = next
				out[i].PendingTurn = false
				out[i].PendingSince = 0
				removed = true
				break
			}
		}
	}

	if !removed {
		return tabs, false
	}
	return out, true
}

// SortMessages orders messages ascending by (CreatedAt, Seq, ID). The
// secondary keys keep the order stable when timestamps collide, so delivery
// order never determines display order.
func SortMessages(msgs []model.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})
}
