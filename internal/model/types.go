package model

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the server's append-only message log. Once a
// message carries a server id it is immutable; the client never mutates or
// deletes it.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	AuthorUserID   string `json:"author_user_id"`
	// ClientKey is the client-generated idempotency key attached to the
	// outgoing write and echoed back on the canonical row. Empty for
	// messages the server originated (assistant replies, other devices).
	ClientKey string `json:"client_key,omitempty"`
	// Seq is a server-assigned monotonic sequence number, used as a
	// secondary sort key when two messages share a created_at.
	Seq       int64 `json:"seq"`
	CreatedAt int64 `json:"created_at"` // unix millis
	// Optimistic marks a locally rendered entry that has not been
	// confirmed by the server. Optimistic entries are never persisted.
	Optimistic bool `json:"-"`
}

// Conversation is the server-side container a tab binds to. A draft tab
// holds a Conversation with an empty ID until the first write persists it.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// Draft reports whether the conversation has not been persisted yet.
func (c Conversation) Draft() bool {
	return c.ID == ""
}

// Tab is one of the bounded set of concurrently open conversation slots.
// Messages are kept sorted ascending by (CreatedAt, Seq, ID).
type Tab struct {
	TabID        string       `json:"tab_id"`
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Loading      bool         `json:"loading"`
	UnreadCount  int          `json:"unread_count"`
	// PendingTurn is set while a user message is awaiting its assistant
	// reply; PendingSince records when the turn started (unix millis).
	PendingTurn  bool  `json:"pending_turn"`
	PendingSince int64 `json:"pending_since,omitempty"`
}

// CloneMessages returns a copy of the tab's message slice. Reconciliation
// works on copies so every update is an atomic old-state -> new-state swap.
func (t Tab) CloneMessages() []Message {
	out := make([]Message, len(t.Messages))
	copy(out, t.Messages)
	return out
}
