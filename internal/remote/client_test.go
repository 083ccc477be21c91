package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatsync/internal/model"
)

func TestMessagesSince(t *testing.T) {
	var gotPath, gotSince string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSince = r.URL.Query().Get("since")
		_ = json.NewEncoder(w).Encode([]model.Message{
			{ID: "m1", ConversationID: "c1", Role: model.RoleUser, Content: "hi", CreatedAt: 1000},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", nil)
	msgs, err := c.MessagesSince(context.Background(), "u1", 999)
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/v1/users/u1/messages" {
		t.Errorf("path = %s", gotPath)
	}
	if gotSince != "999" {
		t.Errorf("since = %s, want 999", gotSince)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestCountConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]int{"count": 3})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	n, err := c.CountConversations(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestInsertMessageEchoesClientKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(model.Message{
			ID:             "m1",
			ConversationID: body["conversation_id"],
			Role:           model.Role(body["role"]),
			Content:        body["content"],
			ClientKey:      body["client_key"],
			CreatedAt:      5000,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	out, err := c.InsertMessage(context.Background(), model.Message{
		ConversationID: "c1", Role: model.RoleUser, Content: "hi", ClientKey: "k-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.ClientKey != "k-1" {
		t.Errorf("echoed key = %q, want k-1", out.ClientKey)
	}
	if out.ID != "m1" {
		t.Errorf("id = %q, want m1", out.ID)
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	if _, err := c.MessagesSince(context.Background(), "u1", 0); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestAuthHeaderSent(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.DeleteConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestSubscribeURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://host:8080", "ws://host:8080/v1/users/u1/subscribe"},
		{"https://host", "wss://host/v1/users/u1/subscribe"},
	}
	for _, tt := range tests {
		c := NewClient(tt.base, "", nil)
		if got := c.SubscribeURL("u1"); got != tt.want {
			t.Errorf("SubscribeURL(%s) = %s, want %s", tt.base, got, tt.want)
		}
	}
}
