package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ============================================================================
// Client construction
// ============================================================================

func TestNewClient(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		c := NewClient("tok")
		if c.BaseURL() != DefaultBaseURL {
			t.Fatalf("expected default base URL, got %q", c.BaseURL())
		}
		if c.Token() != "tok" {
			t.Fatalf("expected token installed, got %q", c.Token())
		}
	})

	t.Run("options", func(t *testing.T) {
		c := NewClient("", WithBaseURL("https://example.com/"), WithTimeout(5*time.Second))
		if c.BaseURL() != "https://example.com" {
			t.Fatalf("expected trailing slash trimmed, got %q", c.BaseURL())
		}
	})
}

// ============================================================================
// Error taxonomy
// ============================================================================

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
		code   string
	}{
		{"unauthorized", 401, `{"error":"bad token"}`, IsUnauthorized, CodeUnauthorized},
		{"forbidden", 403, `{}`, IsUnauthorized, CodeUnauthorized},
		{"not found", 404, `{"error":"no such user"}`, IsNotFound, CodeNotFound},
		{"explicit code", 400, `{"code":"VALIDATION","message":"bad input"}`, IsValidation, CodeValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient("tok", WithBaseURL(srv.URL))
			_, err := c.ListConversations(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if !tc.check(err) {
				t.Fatalf("expected code %s, got %v", tc.code, err)
			}
		})
	}

	t.Run("transport failure maps to network code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		_, err := c.ListConversations(context.Background())
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != CodeNetwork {
			t.Fatalf("expected network error, got %v", err)
		}
	})

	t.Run("message falls back to status text", func(t *testing.T) {
		e := errorFromResponse(http.StatusNotFound, []byte("not json"))
		if e.Code != CodeNotFound || e.Message != http.StatusText(http.StatusNotFound) {
			t.Fatalf("unexpected error: %+v", e)
		}
	})
}

// ============================================================================
// Authentication
// ============================================================================

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["email"] != "a@b.c" || body["password"] != "pw" {
				w.WriteHeader(401)
				return
			}
			writeJSON(w, AuthResult{Token: "tok-123", User: Identity{ID: "u1", DisplayName: "Alice"}})
		case "/api/messages":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(401)
				return
			}
			writeJSON(w, []Conversation{})
		default:
			w.WriteHeader(404)
		}
	}))
	defer srv.Close()

	c := NewClient("", WithBaseURL(srv.URL))
	res, err := c.Authenticate(context.Background(), "a@b.c", "pw")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.User.ID != "u1" {
		t.Fatalf("unexpected identity: %+v", res.User)
	}
	if c.Token() != "tok-123" {
		t.Fatal("token not installed on client")
	}

	// The installed credential rides on subsequent requests.
	if _, err := c.ListConversations(context.Background()); err != nil {
		t.Fatalf("authenticated request rejected: %v", err)
	}
}

func TestRestoreSession(t *testing.T) {
	t.Run("valid credential resolves identity", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/auth/me" || r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(401)
				return
			}
			writeJSON(w, Identity{ID: "u1", DisplayName: "Alice"})
		}))
		defer srv.Close()

		c := NewClient("", WithBaseURL(srv.URL))
		id, err := c.RestoreSession(context.Background(), "tok-123")
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		if id.ID != "u1" || id.DisplayName != "Alice" {
			t.Fatalf("unexpected identity: %+v", id)
		}
	})

	t.Run("rejected credential surfaces unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(401)
			_, _ = w.Write([]byte(`{"error":"expired"}`))
		}))
		defer srv.Close()

		c := NewClient("", WithBaseURL(srv.URL))
		if _, err := c.RestoreSession(context.Background(), "stale"); !IsUnauthorized(err) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})
}

// ============================================================================
// Messages
// ============================================================================

func TestListMessages(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, []Message{{ID: "m1", From: "alice", Text: "hi"}})
	}))
	defer srv.Close()
	c := NewClient("tok", WithBaseURL(srv.URL))

	t.Run("direct conversation", func(t *testing.T) {
		msgs, err := c.ListMessages(context.Background(), "alice", false)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if gotPath != "/api/messages/alice" {
			t.Fatalf("unexpected path %q", gotPath)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message, got %d", len(msgs))
		}
	})

	t.Run("group conversation", func(t *testing.T) {
		if _, err := c.ListMessages(context.Background(), "g-7", true); err != nil {
			t.Fatalf("list: %v", err)
		}
		if gotPath != "/api/messages/group/g-7" {
			t.Fatalf("unexpected path %q", gotPath)
		}
	})
}

func TestSendMessage(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/send" {
			w.WriteHeader(404)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, map[string]string{})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.SendMessage(context.Background(), "bob", "alice", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got["from"] != "alice" || got["to"] != "bob" || got["text"] != "hello" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestSendMedia(t *testing.T) {
	t.Run("multipart form carries fields and file", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("parse multipart: %v", err)
				w.WriteHeader(400)
				return
			}
			if r.FormValue("from") != "alice" || r.FormValue("to") != "bob" || r.FormValue("text") != "look" {
				t.Errorf("unexpected fields: %v", r.MultipartForm.Value)
			}
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Errorf("form file: %v", err)
				w.WriteHeader(400)
				return
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			if hdr.Filename != "cat.png" || string(data) != "pngbytes" {
				t.Errorf("unexpected file %q %q", hdr.Filename, data)
			}
			writeJSON(w, map[string]string{})
		}))
		defer srv.Close()

		c := NewClient("tok", WithBaseURL(srv.URL))
		att := &Attachment{FileName: "cat.png", MimeType: "image/png", Data: []byte("pngbytes")}
		if err := c.SendMedia(context.Background(), "bob", "alice", "look", att); err != nil {
			t.Fatalf("send media: %v", err)
		}
	})

	t.Run("missing attachment is rejected locally", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("http://127.0.0.1:0"))
		if err := c.SendMedia(context.Background(), "bob", "alice", "", nil); !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestMarkRead(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, map[string]string{})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.MarkRead(context.Background(), "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if gotPath != "/api/messages/markRead/alice" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestCreateGroup(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/groups" {
			w.WriteHeader(404)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, map[string]string{})
	}))
	defer srv.Close()

	c := NewClient("tok", WithBaseURL(srv.URL))
	if err := c.CreateGroup(context.Background(), "team", []string{"alice", "bob"}); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if got["name"] != "team" {
		t.Fatalf("unexpected body: %v", got)
	}
}
