package relay

import (
	"errors"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

// Error codes returned by the API (and synthesized locally for transport
// and validation failures).
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeNotFound     = "NOT_FOUND"
	CodeNetwork      = "NETWORK"
	CodeValidation   = "VALIDATION"
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsUnauthorized reports whether err means the credential was rejected.
func IsUnauthorized(err error) bool { return isCode(err, CodeUnauthorized) }

// IsNotFound reports whether err means the referenced entity is absent.
func IsNotFound(err error) bool { return isCode(err, CodeNotFound) }

// IsValidation reports whether err is a local validation rejection: the
// request was never issued.
func IsValidation(err error) bool { return isCode(err, CodeValidation) }

// ============================================================================
// Identity & users
// ============================================================================

// Identity is the authenticated user. Exactly one per session.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
}

// User is a user profile as returned by LookupUser.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// AuthResult is returned by Authenticate.
type AuthResult struct {
	Token string   `json:"token"`
	User  Identity `json:"user"`
}

// ============================================================================
// Conversations & messages
// ============================================================================

// Conversation is a 1:1 or group messaging thread. For 1:1 conversations the
// ID equals the peer's user ID; for groups it is a group identifier.
type Conversation struct {
	ID          string    `json:"id"`
	IsGroup     bool      `json:"isGroup,omitempty"`
	Name        string    `json:"name,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	Messages    []Message `json:"messages,omitempty"`

	// UnreadCount is derived, never authoritative: the directory recomputes
	// it from the embedded message list on every refresh.
	UnreadCount int `json:"unreadCount,omitempty"`
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Message is a single chat message. ID is empty until the server assigns
// one; exactly one of Text or MediaURL is the primary content.
type Message struct {
	ID             string        `json:"id,omitempty"`
	ConversationID string        `json:"conversationId"`
	From           string        `json:"from"`
	Text           string        `json:"text,omitempty"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	MediaType      string        `json:"mediaType,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status,omitempty"`
	Unread         bool          `json:"unread,omitempty"`

	// ClientID tags an optimistic local send until the server copy arrives.
	// Never sent over the wire.
	ClientID string `json:"-"`
}

// Attachment is binary content staged in the composer for a media send.
type Attachment struct {
	FileName string
	MimeType string
	Data     []byte
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is a user's online/offline state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
