package relay

import (
	"strings"
	"sync"
)

// MessageTimeline holds the ordered, deduplicated message sequence for the
// currently selected conversation. It merges fetched history, live-pushed
// messages and optimistic local sends; ordering is append order, not
// timestamp order.
type MessageTimeline struct {
	mu             sync.RWMutex
	conversationID string
	messages       []Message
	seen           map[string]struct{}
}

// NewMessageTimeline creates an empty timeline.
func NewMessageTimeline() *MessageTimeline {
	return &MessageTimeline{seen: make(map[string]struct{})}
}

// ConversationID returns the conversation the timeline currently belongs to.
func (t *MessageTimeline) ConversationID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conversationID
}

// Replace discards the previous contents unconditionally and installs the
// fetched history for a conversation. There is no cross-conversation cache.
func (t *MessageTimeline) Replace(conversationID string, msgs []Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.conversationID = conversationID
	t.messages = t.messages[:0]
	t.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if m.ID != "" {
			if _, dup := t.seen[m.ID]; dup {
				continue
			}
			t.seen[m.ID] = struct{}{}
		}
		t.messages = append(t.messages, m)
	}
}

// Append merges one message, pushed or locally sent, into the timeline.
// A message whose identifier is already present is dropped — this is the
// dedup against double delivery, e.g. a push event for a message the client
// itself just sent. A confirmed message that matches a pending optimistic
// entry upgrades that entry in place instead of appending a duplicate.
// Returns false when the message was dropped.
func (t *MessageTimeline) Append(msg Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if msg.ID != "" {
		if _, dup := t.seen[msg.ID]; dup {
			return false
		}
		for i := len(t.messages) - 1; i >= 0; i-- {
			prev := &t.messages[i]
			if prev.ID == "" && prev.From == msg.From && prev.Text == msg.Text {
				*prev = msg
				t.seen[msg.ID] = struct{}{}
				return true
			}
		}
		t.seen[msg.ID] = struct{}{}
	}
	t.messages = append(t.messages, msg)
	return true
}

// AppendPending appends an optimistic local send. The message carries a
// ClientID and no server identifier yet.
func (t *MessageTimeline) AppendPending(msg Message) {
	msg.Status = StatusPending
	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()
}

// MarkSent upgrades a pending entry after the server acknowledged the send.
func (t *MessageTimeline) MarkSent(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].ClientID == clientID && t.messages[i].ID == "" {
			t.messages[i].Status = StatusSent
			return
		}
	}
}

// DropPending removes a pending entry whose send failed. Unidentified
// messages exist only transiently; a failed send leaves no trace.
func (t *MessageTimeline) DropPending(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].ClientID == clientID && t.messages[i].ID == "" {
			t.messages = append(t.messages[:i], t.messages[i+1:]...)
			return
		}
	}
}

// Messages returns a copy of the full timeline in append order.
func (t *MessageTimeline) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Message(nil), t.messages...)
}

// Len returns the number of messages in the timeline.
func (t *MessageTimeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Filtered returns the messages whose text contains the query,
// case-insensitively, preserving stored order. The filter is applied at
// read time only and never mutates the timeline.
func (t *MessageTimeline) Filtered(query string) []Message {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return t.Messages()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Message
	for _, m := range t.messages {
		if strings.Contains(strings.ToLower(m.Text), q) {
			out = append(out, m)
		}
	}
	return out
}

// UnreadFor counts timeline messages still flagged unread. Used to
// recompute the selected conversation's unread count when the timeline is
// available.
func (t *MessageTimeline) UnreadFor(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conversationID != conversationID {
		return 0
	}
	n := 0
	for _, m := range t.messages {
		if m.Unread {
			n++
		}
	}
	return n
}
