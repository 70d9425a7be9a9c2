package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// conversationFixture serves a swappable conversation list at /api/messages.
type conversationFixture struct {
	mu   sync.Mutex
	list []Conversation
	fail bool
}

func (f *conversationFixture) set(list []Conversation) {
	f.mu.Lock()
	f.list = list
	f.mu.Unlock()
}

func (f *conversationFixture) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *conversationFixture) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail, list := f.fail, append([]Conversation(nil), f.list...)
	f.mu.Unlock()
	if fail {
		w.WriteHeader(500)
		return
	}
	writeJSON(w, list)
}

func newDirectoryFixture(t *testing.T) (*ConversationDirectory, *conversationFixture) {
	t.Helper()
	fix := &conversationFixture{}
	srv := httptest.NewServer(fix)
	t.Cleanup(srv.Close)
	client := NewClient("tok", WithBaseURL(srv.URL))
	return NewConversationDirectory(client, nil), fix
}

func TestDirectoryRefresh(t *testing.T) {
	t.Run("derives unread from embedded messages", func(t *testing.T) {
		dir, fix := newDirectoryFixture(t)
		fix.set([]Conversation{{
			ID: "alice",
			Messages: []Message{
				{ID: "m1", Unread: true},
				{ID: "m2", Unread: true},
				{ID: "m3"},
			},
			UnreadCount: 99, // server value is never trusted
		}})

		if err := dir.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		got, ok := dir.Get("alice")
		if !ok {
			t.Fatal("conversation missing")
		}
		if got.UnreadCount != 2 {
			t.Fatalf("expected derived unread 2, got %d", got.UnreadCount)
		}
	})

	t.Run("failed refresh leaves prior state", func(t *testing.T) {
		dir, fix := newDirectoryFixture(t)
		fix.set([]Conversation{{ID: "alice"}, {ID: "bob"}})
		if err := dir.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}

		fix.setFail(true)
		if err := dir.Refresh(context.Background()); err == nil {
			t.Fatal("expected refresh error")
		}
		if got := len(dir.Conversations()); got != 2 {
			t.Fatalf("prior state lost, got %d conversations", got)
		}
	})

	t.Run("replace is atomic", func(t *testing.T) {
		dir, fix := newDirectoryFixture(t)
		fix.set([]Conversation{{ID: "alice"}})
		_ = dir.Refresh(context.Background())

		fix.set([]Conversation{{ID: "bob"}, {ID: "carol"}})
		_ = dir.Refresh(context.Background())

		convs := dir.Conversations()
		if len(convs) != 2 || convs[0].ID != "bob" {
			t.Fatalf("expected full replacement, got %+v", convs)
		}
	})
}

func TestDirectoryFilter(t *testing.T) {
	dir, fix := newDirectoryFixture(t)
	fix.set([]Conversation{
		{ID: "alice"},
		{ID: "g-1", IsGroup: true, Name: "Alpine Trip"},
		{ID: "bob"},
	})

	t.Run("case-insensitive substring over id and name", func(t *testing.T) {
		dir.SetFilter("al")
		if err := dir.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		convs := dir.Conversations()
		if len(convs) != 2 {
			t.Fatalf("expected alice and Alpine Trip, got %+v", convs)
		}
	})

	t.Run("empty filter passes all", func(t *testing.T) {
		dir.SetFilter("")
		if err := dir.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if got := len(dir.Conversations()); got != 3 {
			t.Fatalf("expected all conversations, got %d", got)
		}
	})

	t.Run("no match yields empty list", func(t *testing.T) {
		dir.SetFilter("zzz")
		if err := dir.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if got := len(dir.Conversations()); got != 0 {
			t.Fatalf("expected empty list, got %d", got)
		}
	})
}
