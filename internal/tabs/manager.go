// Package tabs owns the bounded set of open conversation tabs. All tab
// mutation funnels through the manager, which applies reconciler results as
// atomic state swaps under one lock.
package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/model"
	"chatsync/internal/reconcile"
)

// ConversationStore is the slice of the remote backend the manager needs:
// conversation CRUD plus the initial message fetch for a newly opened tab.
type ConversationStore interface {
	CountConversations(ctx context.Context, userID string) (int, error)
	CreateConversation(ctx context.Context, userID, title string) (model.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error)
}

// Manager maintains the open tabs, the active-tab selection, and unread
// counters, and enforces the tab capacity and conversation quota.
type Manager struct {
	mu       sync.Mutex
	tabs     []model.Tab
	activeID string
	loads    map[string]context.CancelFunc // tabID -> pending initial load

	capacity int
	quota    int
	userID   string

	remote ConversationStore
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a tab manager for one user session.
func NewManager(userID string, capacity, quota int, remote ConversationStore, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		loads:    make(map[string]context.CancelFunc),
		capacity: capacity,
		quota:    quota,
		userID:   userID,
		remote:   remote,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

// Tabs returns a copy of the current tab list in insertion order.
func (m *Manager) Tabs() []model.Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cloneTabs()
}

// ActiveTabID returns the active tab id, or "" when no tab is open.
func (m *Manager) ActiveTabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// OpenConversation opens a conversation in a tab. Opening an already-open
// conversation just activates its tab. At capacity the oldest non-active tab
// is evicted; when nothing is evictable the open is rejected.
//
// The returned tab starts with Loading set; existing messages are fetched in
// the background and merged without clobbering anything reconciled in the
// interim.
func (m *Manager) OpenConversation(ctx context.Context, conv model.Conversation) (model.Tab, error) {
	m.mu.Lock()

	for i := range m.tabs {
		if !m.tabs[i].Conversation.Draft() && m.tabs[i].Conversation.ID == conv.ID {
			m.activate(m.tabs[i].TabID)
			tab := m.tabs[i]
			m.mu.Unlock()
			m.publishTabsChanged()
			return tab, nil
		}
	}

	if len(m.tabs) >= m.capacity {
		if !m.evictOldestInactive() {
			m.mu.Unlock()
			return model.Tab{}, model.ErrTabCapacity
		}
	}

	tab := model.Tab{
		TabID:        uuid.NewString(),
		Conversation: conv,
		Loading:      true,
	}
	m.tabs = append(m.tabs, tab)
	m.activate(tab.TabID)

	loadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.loads[tab.TabID] = cancel
	m.mu.Unlock()

	go m.loadMessages(loadCtx, tab.TabID, conv.ID)
	m.publishTabsChanged()
	return tab, nil
}

// OpenDraft creates a tab holding a not-yet-persisted conversation. Rejected
// at capacity; drafts never evict.
func (m *Manager) OpenDraft() (model.Tab, error) {
	m.mu.Lock()
	if len(m.tabs) >= m.capacity {
		m.mu.Unlock()
		return model.Tab{}, model.ErrTabCapacity
	}
	tab := model.Tab{TabID: uuid.NewString()}
	m.tabs = append(m.tabs, tab)
	m.activate(tab.TabID)
	m.mu.Unlock()

	m.publishTabsChanged()
	return tab, nil
}

// CloseTab removes a tab and cancels its pending load. Closing the active
// tab activates the first remaining one.
func (m *Manager) CloseTab(tabID string) error {
	m.mu.Lock()
	idx := m.indexOf(tabID)
	if idx < 0 {
		m.mu.Unlock()
		return model.ErrTabNotFound
	}
	m.removeAt(idx)
	if m.activeID == tabID {
		if len(m.tabs) > 0 {
			m.activate(m.tabs[0].TabID)
		} else {
			m.activeID = ""
		}
	}
	m.mu.Unlock()

	m.publishTabsChanged()
	return nil
}

// SetActiveTab switches the active tab and clears its unread counter.
func (m *Manager) SetActiveTab(tabID string) error {
	m.mu.Lock()
	if m.indexOf(tabID) < 0 {
		m.mu.Unlock()
		return model.ErrTabNotFound
	}
	m.activate(tabID)
	m.mu.Unlock()

	m.publishTabsChanged()
	return nil
}

// CreateConversation creates a conversation server-side, deriving the title
// from the first message. Fails with ErrQuotaExceeded, and performs no
// write, when the user already owns the quota.
func (m *Manager) CreateConversation(ctx context.Context, firstMessage string) (model.Conversation, error) {
	count, err := m.remote.CountConversations(ctx, m.userID)
	if err != nil {
		return model.Conversation{}, err
	}
	if count >= m.quota {
		return model.Conversation{}, model.ErrQuotaExceeded
	}
	return m.remote.CreateConversation(ctx, m.userID, TitleFromMessage(firstMessage))
}

// DeleteConversation removes the conversation server-side and closes any tab
// bound to it.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := m.remote.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}

	m.mu.Lock()
	var closed []string
	for _, t := range m.tabs {
		if t.Conversation.ID == conversationID && conversationID != "" {
			closed = append(closed, t.TabID)
		}
	}
	for _, tabID := range closed {
		if idx := m.indexOf(tabID); idx >= 0 {
			m.removeAt(idx)
		}
	}
	if m.indexOf(m.activeID) < 0 {
		if len(m.tabs) > 0 {
			m.activate(m.tabs[0].TabID)
		} else {
			m.activeID = ""
		}
	}
	m.mu.Unlock()

	m.publishTabsChanged()
	return nil
}

// BindDraft attaches a freshly created conversation to a draft tab.
func (m *Manager) BindDraft(tabID string, conv model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(tabID)
	if idx < 0 {
		return model.ErrTabNotFound
	}
	m.tabs[idx].Conversation = conv
	return nil
}

// Apply routes a message candidate through the reconciler and swaps in the
// resulting state. Returns true when the candidate changed anything.
func (m *Manager) Apply(candidate model.Message) bool {
	m.mu.Lock()
	res := reconcile.Apply(m.tabs, candidate, m.activeID)
	if res.Applied {
		m.tabs = res.Tabs
	}
	m.mu.Unlock()

	if res.Applied && m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindMessageApplied,
			Timestamp: m.now(),
			Payload:   candidate,
		})
	}
	return res.Applied
}

// RemoveOptimistic drops a failed optimistic entry by idempotency key.
func (m *Manager) RemoveOptimistic(conversationID, clientKey string) bool {
	m.mu.Lock()
	out, removed := reconcile.RemoveOptimistic(m.tabs, conversationID, clientKey)
	if removed {
		m.tabs = out
	}
	m.mu.Unlock()
	return removed
}

// MarkPendingTurn flags every tab bound to the conversation as awaiting an
// assistant reply.
func (m *Manager) MarkPendingTurn(conversationID string, since int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tabs {
		if m.tabs[i].Conversation.ID == conversationID {
			m.tabs[i].PendingTurn = true
			m.tabs[i].PendingSince = since
		}
	}
}

// PendingTurnSince returns when the conversation's outstanding turn started,
// or 0 when no turn is pending.
func (m *Manager) PendingTurnSince(conversationID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tabs {
		if t.Conversation.ID == conversationID && t.PendingTurn {
			return t.PendingSince
		}
	}
	return 0
}

// Snapshot returns a deep copy of the tab state for persistence. Optimistic
// entries are excluded: they are never persisted.
func (m *Manager) Snapshot() ([]model.Tab, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Tab, len(m.tabs))
	for i, t := range m.tabs {
		msgs := make([]model.Message, 0, len(t.Messages))
		for _, msg := range t.Messages {
			if !msg.Optimistic {
				msgs = append(msgs, msg)
			}
		}
		t.Messages = msgs
		t.Loading = false
		t.PendingTurn = false
		t.PendingSince = 0
		out[i] = t
	}
	return out, m.activeID
}

// Restore replaces the tab state wholesale from a persisted snapshot.
func (m *Manager) Restore(tabs []model.Tab, activeID string) {
	m.mu.Lock()
	if len(tabs) > m.capacity {
		tabs = tabs[len(tabs)-m.capacity:]
	}
	m.tabs = tabs
	m.activeID = ""
	for _, t := range tabs {
		if t.TabID == activeID {
			m.activeID = activeID
			break
		}
	}
	if m.activeID == "" && len(tabs) > 0 {
		m.activeID = tabs[0].TabID
	}
	m.mu.Unlock()

	m.publishTabsChanged()
}

// Reset drops all tab state and cancels pending loads (logout).
func (m *Manager) Reset() {
	m.mu.Lock()
	for _, cancel := range m.loads {
		cancel()
	}
	m.loads = make(map[string]context.CancelFunc)
	m.tabs = nil
	m.activeID = ""
	m.mu.Unlock()
}

// loadMessages fetches the existing history for a just-opened tab and merges
// it through the reconciler, so anything delivered while the fetch was in
// flight is preserved. A cancelled load (tab closed) writes nothing.
func (m *Manager) loadMessages(ctx context.Context, tabID, conversationID string) {
	msgs, err := m.remote.ConversationMessages(ctx, conversationID)

	m.mu.Lock()
	delete(m.loads, tabID)
	idx := m.indexOf(tabID)
	if idx < 0 || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.logger.Error("initial message load failed",
			zap.Error(err), zap.String("conversation_id", conversationID))
		m.tabs[idx].Loading = false
		m.mu.Unlock()
		return
	}

	// History is merged as if this tab were active: backfilled messages
	// are not "new" and must not inflate the unread counter.
	state := m.tabs
	for _, msg := range msgs {
		res := reconcile.Apply(state, msg, tabID)
		if res.Applied {
			state = res.Tabs
		}
	}
	m.tabs = state
	if idx = m.indexOf(tabID); idx >= 0 {
		m.tabs[idx].Loading = false
	}
	m.mu.Unlock()

	m.publishTabsChanged()
}

// evictOldestInactive removes the first tab that is not active. Caller must
// hold m.mu. Returns false when every slot is the active tab (defensive:
// cannot happen with capacity > 1).
func (m *Manager) evictOldestInactive() bool {
	for i := range m.tabs {
		if m.tabs[i].TabID != m.activeID {
			m.logger.Info("evicting tab",
				zap.String("tab_id", m.tabs[i].TabID),
				zap.String("conversation_id", m.tabs[i].Conversation.ID))
			m.removeAt(i)
			return true
		}
	}
	return false
}

// removeAt drops the tab at idx and cancels its load. Caller must hold m.mu.
func (m *Manager) removeAt(idx int) {
	tabID := m.tabs[idx].TabID
	if cancel, ok := m.loads[tabID]; ok {
		cancel()
		delete(m.loads, tabID)
	}
	m.tabs = append(m.tabs[:idx:idx], m.tabs[idx+1:]...)
}

// activate sets the active tab and clears its unread counter. Caller must
// hold m.mu.
func (m *Manager) activate(tabID string) {
	m.activeID = tabID
	for i := range m.tabs {
		if m.tabs[i].TabID == tabID {
			m.tabs[i].UnreadCount = 0
			return
		}
	}
}

// indexOf returns the position of tabID, or -1. Caller must hold m.mu.
func (m *Manager) indexOf(tabID string) int {
	for i := range m.tabs {
		if m.tabs[i].TabID == tabID {
			return i
		}
	}
	return -1
}

func (m *Manager) cloneTabs() []model.Tab {
	out := make([]model.Tab, len(m.tabs))
	for i, t := range m.tabs {
		t.Messages = t.CloneMessages()
		out[i] = t
	}
	return out
}

func (m *Manager) publishTabsChanged() {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      bus.KindTabsChanged,
		Timestamp: m.now(),
		Payload:   m.ActiveTabID(),
	})
}

// TitleFromMessage derives a conversation title by truncating the first
// message.
func TitleFromMessage(firstMessage string) string {
	const maxTitle = 48
	runes := []rune(firstMessage)
	if len(runes) <= maxTitle {
		return firstMessage
	}
	return string(runes[:maxTitle])
}
