package relay

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ConversationDirectory holds the ordered, filterable list of conversations
// with derived unread counts. Refreshed by full re-fetch; a failed refresh
// leaves the prior state untouched.
type ConversationDirectory struct {
	client *Client
	logger *zap.Logger

	mu            sync.RWMutex
	filter        string
	conversations []Conversation
}

// NewConversationDirectory creates an empty directory backed by the client.
func NewConversationDirectory(client *Client, logger *zap.Logger) *ConversationDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationDirectory{client: client, logger: logger}
}

// SetFilter changes the text filter. The caller triggers a Refresh to apply
// it.
func (d *ConversationDirectory) SetFilter(query string) {
	d.mu.Lock()
	d.filter = query
	d.mu.Unlock()
}

// Filter returns the current filter text.
func (d *ConversationDirectory) Filter() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter
}

// Refresh fetches the full conversation list, recomputes unread counts from
// the embedded messages, applies the text filter and replaces the directory
// atomically. Readers never observe a partial update.
func (d *ConversationDirectory) Refresh(ctx context.Context) error {
	list, err := d.client.ListConversations(ctx)
	if err != nil {
		d.logger.Warn("conversation refresh failed", zap.Error(err))
		return err
	}

	d.mu.RLock()
	filter := d.filter
	d.mu.RUnlock()

	next := make([]Conversation, 0, len(list))
	for _, conv := range list {
		conv.UnreadCount = deriveUnread(conv)
		if matchesFilter(conv, filter) {
			next = append(next, conv)
		}
	}

	d.mu.Lock()
	d.conversations = next
	d.mu.Unlock()
	return nil
}

// Conversations returns a copy of the current directory contents.
func (d *ConversationDirectory) Conversations() []Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Conversation(nil), d.conversations...)
}

// Get returns the directory entry with the given ID.
func (d *ConversationDirectory) Get(id string) (Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, conv := range d.conversations {
		if conv.ID == id {
			return conv, true
		}
	}
	return Conversation{}, false
}

// deriveUnread counts the messages flagged unread in the embedded list.
// The count is derived, never taken from the server as authoritative.
func deriveUnread(conv Conversation) int {
	n := 0
	for _, m := range conv.Messages {
		if m.Unread {
			n++
		}
	}
	return n
}

// matchesFilter is a case-insensitive substring match against the
// conversation identifier or display name. An empty filter passes all.
func matchesFilter(conv Conversation, filter string) bool {
	q := strings.ToLower(strings.TrimSpace(filter))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(conv.ID), q) ||
		strings.Contains(strings.ToLower(conv.Name), q)
}
