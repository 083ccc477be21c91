package tabs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/model"
)

// fakeStore implements ConversationStore in memory.
type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]model.Conversation
	messages      map[string][]model.Message
	nextID        int
	countErr      error
	loadDelay     time.Duration
	loadStarted   chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
	}
}

func (f *fakeStore) CountConversations(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return 0, f.countErr
	}
	return len(f.conversations), nil
}

func (f *fakeStore) CreateConversation(_ context.Context, _ string, title string) (model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	conv := model.Conversation{
		ID:        "conv-" + string(rune('0'+f.nextID)),
		Title:     title,
		CreatedAt: time.Now().UnixMilli(),
	}
	f.conversations[conv.ID] = conv
	return conv, nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) ConversationMessages(ctx context.Context, id string) ([]model.Message, error) {
	f.mu.Lock()
	started := f.loadStarted
	delay := f.loadDelay
	f.mu.Unlock()
	if started != nil {
		started <- id
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message{}, f.messages[id]...), nil
}

func (f *fakeStore) seed(n int) []model.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversation
	for i := 0; i < n; i++ {
		f.nextID++
		conv := model.Conversation{ID: "conv-" + string(rune('0'+f.nextID)), Title: "seeded"}
		f.conversations[conv.ID] = conv
		out = append(out, conv)
	}
	return out
}

func newManager(t *testing.T, store *fakeStore) *Manager {
	t.Helper()
	return NewManager("u1", 3, 3, store, nil, nil)
}

func waitLoaded(t *testing.T, m *Manager, tabID string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, tab := range m.Tabs() {
			if tab.TabID == tabID && !tab.Loading {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("tab %s never finished loading", tabID)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOpenConversationActivates(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(1)
	m := newManager(t, store)

	tab, err := m.OpenConversation(context.Background(), convs[0])
	if err != nil {
		t.Fatal(err)
	}
	if m.ActiveTabID() != tab.TabID {
		t.Errorf("active = %s, want %s", m.ActiveTabID(), tab.TabID)
	}
	if !tab.Loading {
		t.Error("new tab should start loading")
	}
	waitLoaded(t, m, tab.TabID)
}

func TestOpenConversationIdempotent(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(2)
	m := newManager(t, store)

	tab1, _ := m.OpenConversation(context.Background(), convs[0])
	tab2, _ := m.OpenConversation(context.Background(), convs[1])
	waitLoaded(t, m, tab1.TabID)
	waitLoaded(t, m, tab2.TabID)

	again, err := m.OpenConversation(context.Background(), convs[0])
	if err != nil {
		t.Fatal(err)
	}
	if again.TabID != tab1.TabID {
		t.Errorf("reopen created new tab %s, want existing %s", again.TabID, tab1.TabID)
	}
	if len(m.Tabs()) != 2 {
		t.Errorf("got %d tabs, want 2", len(m.Tabs()))
	}
	if m.ActiveTabID() != tab1.TabID {
		t.Errorf("reopen did not activate existing tab")
	}
}

func TestCapacityEvictsOldestInactive(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(4)
	m := newManager(t, store)

	tabA, _ := m.OpenConversation(context.Background(), convs[0])
	tabB, _ := m.OpenConversation(context.Background(), convs[1])
	tabC, _ := m.OpenConversation(context.Background(), convs[2])
	for _, id := range []string{tabA.TabID, tabB.TabID, tabC.TabID} {
		waitLoaded(t, m, id)
	}
	// C is active (opened last).
	if m.ActiveTabID() != tabC.TabID {
		t.Fatalf("active = %s, want C", m.ActiveTabID())
	}

	tabD, err := m.OpenConversation(context.Background(), convs[3])
	if err != nil {
		t.Fatal(err)
	}
	waitLoaded(t, m, tabD.TabID)

	tabs := m.Tabs()
	if len(tabs) != 3 {
		t.Fatalf("got %d tabs, want 3", len(tabs))
	}
	want := []string{convs[1].ID, convs[2].ID, convs[3].ID} // A evicted
	for i, w := range want {
		if tabs[i].Conversation.ID != w {
			t.Errorf("tabs[%d] = %s, want %s", i, tabs[i].Conversation.ID, w)
		}
	}
}

func TestOpenDraftAndCapacity(t *testing.T) {
	store := newFakeStore()
	m := newManager(t, store)

	for i := 0; i < 3; i++ {
		if _, err := m.OpenDraft(); err != nil {
			t.Fatalf("OpenDraft %d: %v", i, err)
		}
	}

	_, err := m.OpenDraft()
	if !errors.Is(err, model.ErrTabCapacity) {
		t.Errorf("OpenDraft at capacity = %v, want ErrTabCapacity", err)
	}
	if len(m.Tabs()) != 3 {
		t.Errorf("got %d tabs, want 3", len(m.Tabs()))
	}
}

func TestCloseTabReassignsActive(t *testing.T) {
	store := newFakeStore()
	m := newManager(t, store)

	tab1, _ := m.OpenDraft()
	tab2, _ := m.OpenDraft()

	if m.ActiveTabID() != tab2.TabID {
		t.Fatal("tab2 should be active")
	}
	if err := m.CloseTab(tab2.TabID); err != nil {
		t.Fatal(err)
	}
	if m.ActiveTabID() != tab1.TabID {
		t.Errorf("active = %s, want first remaining %s", m.ActiveTabID(), tab1.TabID)
	}

	if err := m.CloseTab(tab1.TabID); err != nil {
		t.Fatal(err)
	}
	if m.ActiveTabID() != "" {
		t.Errorf("active = %q, want empty with no tabs", m.ActiveTabID())
	}

	if err := m.CloseTab("nope"); !errors.Is(err, model.ErrTabNotFound) {
		t.Errorf("CloseTab(unknown) = %v, want ErrTabNotFound", err)
	}
}

func TestSetActiveResetsUnread(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(2)
	m := newManager(t, store)

	tab1, _ := m.OpenConversation(context.Background(), convs[0])
	tab2, _ := m.OpenConversation(context.Background(), convs[1])
	waitLoaded(t, m, tab1.TabID)
	waitLoaded(t, m, tab2.TabID)

	// Assistant message on inactive tab1.
	m.Apply(model.Message{
		ID: "m1", ConversationID: convs[0].ID,
		Role: model.RoleAssistant, Content: "hi", CreatedAt: 1000,
	})
	for _, tab := range m.Tabs() {
		if tab.TabID == tab1.TabID && tab.UnreadCount != 1 {
			t.Errorf("unread = %d, want 1", tab.UnreadCount)
		}
	}

	if err := m.SetActiveTab(tab1.TabID); err != nil {
		t.Fatal(err)
	}
	for _, tab := range m.Tabs() {
		if tab.TabID == tab1.TabID && tab.UnreadCount != 0 {
			t.Errorf("unread after activate = %d, want 0", tab.UnreadCount)
		}
	}
}

func TestCreateConversationQuota(t *testing.T) {
	store := newFakeStore()
	store.seed(3)
	m := newManager(t, store)

	_, err := m.CreateConversation(context.Background(), "hello")
	if !errors.Is(err, model.ErrQuotaExceeded) {
		t.Fatalf("CreateConversation at quota = %v, want ErrQuotaExceeded", err)
	}
	if n, _ := store.CountConversations(context.Background(), "u1"); n != 3 {
		t.Errorf("conversation count = %d, want 3 (no write on quota failure)", n)
	}
}

func TestCreateConversationDerivesTitle(t *testing.T) {
	store := newFakeStore()
	m := newManager(t, store)

	long := "this is a rather long first message that should be truncated for the title"
	conv, err := m.CreateConversation(context.Background(), long)
	if err != nil {
		t.Fatal(err)
	}
	if len([]rune(conv.Title)) != 48 {
		t.Errorf("title length = %d, want 48", len([]rune(conv.Title)))
	}
	if conv.Title != long[:48] {
		t.Errorf("title = %q", conv.Title)
	}
}

func TestDeleteConversationClosesTab(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(2)
	m := newManager(t, store)

	tab1, _ := m.OpenConversation(context.Background(), convs[0])
	tab2, _ := m.OpenConversation(context.Background(), convs[1])
	waitLoaded(t, m, tab1.TabID)
	waitLoaded(t, m, tab2.TabID)

	// tab2 is active; delete its conversation.
	if err := m.DeleteConversation(context.Background(), convs[1].ID); err != nil {
		t.Fatal(err)
	}

	tabs := m.Tabs()
	if len(tabs) != 1 || tabs[0].TabID != tab1.TabID {
		t.Fatalf("tabs = %+v, want only tab1", tabs)
	}
	if m.ActiveTabID() != tab1.TabID {
		t.Errorf("active = %s, want reassigned to tab1", m.ActiveTabID())
	}
	if n, _ := store.CountConversations(context.Background(), "u1"); n != 1 {
		t.Errorf("server conversations = %d, want 1", n)
	}
}

func TestLoadPreservesInterimMessages(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(1)
	store.mu.Lock()
	store.messages[convs[0].ID] = []model.Message{
		{ID: "h1", ConversationID: convs[0].ID, Role: model.RoleUser, Content: "old", CreatedAt: 1000},
	}
	store.loadDelay = 50 * time.Millisecond
	store.loadStarted = make(chan string, 1)
	store.mu.Unlock()

	m := newManager(t, store)
	tab, _ := m.OpenConversation(context.Background(), convs[0])

	// A push message lands while the initial fetch is in flight.
	<-store.loadStarted
	m.Apply(model.Message{
		ID: "live1", ConversationID: convs[0].ID,
		Role: model.RoleAssistant, Content: "new", CreatedAt: 2000,
	})

	waitLoaded(t, m, tab.TabID)

	got := m.Tabs()[0].Messages
	if len(got) != 2 {
		t.Fatalf("got %d messages, want history + interim = 2", len(got))
	}
	if got[0].ID != "h1" || got[1].ID != "live1" {
		t.Errorf("order = [%s %s], want [h1 live1]", got[0].ID, got[1].ID)
	}
}

func TestCloseCancelsPendingLoad(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(1)
	store.mu.Lock()
	store.messages[convs[0].ID] = []model.Message{
		{ID: "h1", ConversationID: convs[0].ID, Role: model.RoleUser, Content: "old", CreatedAt: 1000},
	}
	store.loadDelay = 100 * time.Millisecond
	store.loadStarted = make(chan string, 1)
	store.mu.Unlock()

	m := newManager(t, store)
	tab, _ := m.OpenConversation(context.Background(), convs[0])
	<-store.loadStarted

	if err := m.CloseTab(tab.TabID); err != nil {
		t.Fatal(err)
	}
	// Reuse the slot for a draft while the old fetch is still in flight.
	draft, _ := m.OpenDraft()

	time.Sleep(200 * time.Millisecond)

	tabs := m.Tabs()
	if len(tabs) != 1 || tabs[0].TabID != draft.TabID {
		t.Fatalf("tabs = %+v, want only the draft", tabs)
	}
	if len(tabs[0].Messages) != 0 {
		t.Errorf("cancelled load wrote %d messages into reused slot", len(tabs[0].Messages))
	}
}

func TestSnapshotExcludesOptimistic(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(1)
	m := newManager(t, store)
	tab, _ := m.OpenConversation(context.Background(), convs[0])
	waitLoaded(t, m, tab.TabID)

	m.Apply(model.Message{ID: "m1", ConversationID: convs[0].ID, Role: model.RoleUser, Content: "a", CreatedAt: 1000})
	m.Apply(model.Message{
		ID: "tmp-1", ConversationID: convs[0].ID, Role: model.RoleUser,
		Content: "b", CreatedAt: 2000, ClientKey: "k", Optimistic: true,
	})

	tabs, activeID := m.Snapshot()
	if activeID != tab.TabID {
		t.Errorf("snapshot active = %s, want %s", activeID, tab.TabID)
	}
	if len(tabs[0].Messages) != 1 || tabs[0].Messages[0].ID != "m1" {
		t.Errorf("snapshot messages = %+v, want only canonical m1", tabs[0].Messages)
	}
}

func TestRestore(t *testing.T) {
	store := newFakeStore()
	m := newManager(t, store)

	saved := []model.Tab{
		{TabID: "t1", Conversation: model.Conversation{ID: "c1"}},
		{TabID: "t2", Conversation: model.Conversation{ID: "c2"}},
	}
	m.Restore(saved, "t2")

	if len(m.Tabs()) != 2 {
		t.Fatalf("got %d tabs, want 2", len(m.Tabs()))
	}
	if m.ActiveTabID() != "t2" {
		t.Errorf("active = %s, want t2", m.ActiveTabID())
	}

	// Unknown active id falls back to the first tab.
	m.Restore(saved, "gone")
	if m.ActiveTabID() != "t1" {
		t.Errorf("active = %s, want fallback t1", m.ActiveTabID())
	}
}

func TestPendingTurnTracking(t *testing.T) {
	store := newFakeStore()
	convs := store.seed(1)
	m := newManager(t, store)
	tab, _ := m.OpenConversation(context.Background(), convs[0])
	waitLoaded(t, m, tab.TabID)

	m.MarkPendingTurn(convs[0].ID, 12345)
	if got := m.PendingTurnSince(convs[0].ID); got != 12345 {
		t.Errorf("PendingTurnSince = %d, want 12345", got)
	}

	// Assistant reply clears the pending turn via reconciliation.
	m.Apply(model.Message{
		ID: "r1", ConversationID: convs[0].ID,
		Role: model.RoleAssistant, Content: "reply", CreatedAt: 99999,
	})
	if got := m.PendingTurnSince(convs[0].ID); got != 0 {
		t.Errorf("PendingTurnSince after reply = %d, want 0", got)
	}
}
