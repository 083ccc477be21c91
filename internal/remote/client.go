// Package remote holds the client's view of the backend: a JSON HTTP client
// for queries and writes, and a websocket subscription for live inserts.
// Everything outside the sync engine's scope (auth, uploads, rendering)
// stays behind these interfaces.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/model"
)

// Client talks to the backend REST API.
//
// Endpoints:
//
//	GET    /v1/users/{user}/messages?since={ms}     messages after since, ascending
//	GET    /v1/users/{user}/conversations/count     owned-conversation count
//	POST   /v1/conversations                        create conversation
//	DELETE /v1/conversations/{id}                   delete (cascades to messages)
//	GET    /v1/conversations/{id}/messages          full history, ascending
//	POST   /v1/messages                             insert message, echoes client_key
//	POST   /v1/responder/turns                      trigger assistant reply (202)
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a backend client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// MessagesSince implements the polling query: all messages for the user
// with created_at > since, ascending.
func (c *Client) MessagesSince(ctx context.Context, userID string, sinceMs int64) ([]model.Message, error) {
	path := fmt.Sprintf("/v1/users/%s/messages?since=%s",
		url.PathEscape(userID), strconv.FormatInt(sinceMs, 10))
	var out []model.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	return out, nil
}

// CountConversations returns how many conversations the user owns. The
// creation quota is enforced against this count before any write.
func (c *Client) CountConversations(ctx context.Context, userID string) (int, error) {
	path := fmt.Sprintf("/v1/users/%s/conversations/count", url.PathEscape(userID))
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return out.Count, nil
}

// CreateConversation creates a conversation owned by the user.
func (c *Client) CreateConversation(ctx context.Context, userID, title string) (model.Conversation, error) {
	body := map[string]string{"user_id": userID, "title": title}
	var out model.Conversation
	if err := c.doJSON(ctx, http.MethodPost, "/v1/conversations", body, &out); err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

// DeleteConversation removes a conversation; the server cascades to its
// messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// ConversationMessages returns the full history for a conversation,
// ascending.
func (c *Client) ConversationMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	var out []model.Message
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("conversation messages: %w", err)
	}
	return out, nil
}

// InsertMessage writes a message and returns the canonical row, client_key
// echoed.
func (c *Client) InsertMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	body := map[string]string{
		"conversation_id": msg.ConversationID,
		"role":            string(msg.Role),
		"content":         msg.Content,
		"author_user_id":  msg.AuthorUserID,
		"client_key":      msg.ClientKey,
	}
	var out model.Message
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", body, &out); err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

// TriggerResponder asks the backend to generate the assistant reply for a
// just-inserted user message. Fire-and-forget: the reply arrives later as a
// regular message over push or poll.
func (c *Client) TriggerResponder(ctx context.Context, conversationID, messageID, correlationID string) error {
	body := map[string]string{
		"conversation_id": conversationID,
		"message_id":      messageID,
		"correlation_id":  correlationID,
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/responder/turns", body, nil); err != nil {
		return fmt.Errorf("trigger responder: %w", err)
	}
	return nil
}

// SubscribeURL derives the websocket endpoint for the user's push channel.
func (c *Client) SubscribeURL(userID string) string {
	u := c.baseURL
	switch {
	case len(u) > 8 && u[:8] == "https://":
		u = "wss://" + u[8:]
	case len(u) > 7 && u[:7] == "http://":
		u = "ws://" + u[7:]
	}
	return u + "/v1/users/" + url.PathEscape(userID) + "/subscribe"
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
