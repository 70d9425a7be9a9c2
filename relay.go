// Package relay provides the Go client for the Relay chat service.
//
// It covers the request/response API (authentication, conversations,
// messages, groups), the realtime event channel, and the reconciliation
// engine that merges server-pushed events with locally-initiated actions
// into one consistent view.
//
// Example:
//
//	client := relay.NewClient("", relay.WithBaseURL("https://chat.example.com"))
//	creds := relay.NewCredentialStore("")
//	session := relay.NewSession(client, creds)
//
//	if err := session.Restore(ctx); err != nil {
//		// fall back to session.SignIn(ctx, email, password)
//	}
//
//	engine := relay.NewEngine(session)
//	engine.Start(ctx)
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBaseURL is used when no base URL option is given.
	DefaultBaseURL = "https://chat.relay.dev"

	// DefaultTimeout bounds every request issued by the client.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the request/response API client. The zero token means
// unauthenticated; Authenticate and RestoreSession install one.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the server base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a new Relay client. token is optional — pass "" and
// authenticate later.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or updates the credential attached to outbound requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current credential ("" when unauthenticated).
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader, query)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, query map[string]string) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// send executes the request and maps transport and HTTP failures onto the
// error taxonomy. Callers receive the raw response body on success.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: CodeNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		return nil, errorFromResponse(resp.StatusCode, data)
	}
	return data, nil
}

func errorFromResponse(status int, body []byte) *APIError {
	apiErr := &APIError{}

	// Servers respond with either {"code","message"} or {"error":"..."}.
	var wire struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil {
		apiErr.Code = wire.Code
		apiErr.Message = wire.Message
		if apiErr.Message == "" {
			apiErr.Message = wire.Error
		}
	}
	if apiErr.Code == "" {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			apiErr.Code = CodeUnauthorized
		case http.StatusNotFound:
			apiErr.Code = CodeNotFound
		default:
			apiErr.Code = fmt.Sprintf("HTTP_%d", status)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Authentication
// ============================================================================

// Authenticate exchanges email and password for a credential and identity.
// The returned credential is installed on the client.
func (c *Client) Authenticate(ctx context.Context, email, password string) (*AuthResult, error) {
	data, err := c.doRequest(ctx, "POST", "/api/auth/login", map[string]string{
		"email": email, "password": password,
	}, nil)
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[AuthResult](data)
	if err != nil {
		return nil, err
	}
	c.SetToken(result.Token)
	return result, nil
}

// Register creates a new account. The caller still signs in afterwards.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	_, err := c.doRequest(ctx, "POST", "/api/auth/register", map[string]string{
		"name": name, "email": email, "password": password,
	}, nil)
	return err
}

// RestoreSession validates a persisted credential and returns the identity
// it belongs to. The credential is installed on the client; on Unauthorized
// the caller is expected to purge it.
func (c *Client) RestoreSession(ctx context.Context, credential string) (*Identity, error) {
	c.SetToken(credential)
	data, err := c.doRequest(ctx, "GET", "/api/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Identity](data)
}

// ============================================================================
// Conversations & messages
// ============================================================================

// ListConversations fetches the full conversation list for the
// authenticated identity, with embedded messages for unread derivation.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	data, err := c.doRequest(ctx, "GET", "/api/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	var list []Conversation
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return list, nil
}

// ListMessages fetches the ordered message history for a conversation.
// Group and 1:1 conversations use distinct retrieval endpoints.
func (c *Client) ListMessages(ctx context.Context, conversationID string, isGroup bool) ([]Message, error) {
	path := "/api/messages/" + url.PathEscape(conversationID)
	if isGroup {
		path = "/api/messages/group/" + url.PathEscape(conversationID)
	}
	data, err := c.doRequest(ctx, "GET", path, nil, nil)
	if err != nil {
		return nil, err
	}
	var list []Message
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return list, nil
}

// MarkRead marks every message in a conversation as read. Fire-and-forget
// from the caller's perspective.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, "POST", "/api/messages/markRead/"+url.PathEscape(conversationID), struct{}{}, nil)
	return err
}

// SendMessage sends a direct text message.
func (c *Client) SendMessage(ctx context.Context, conversationID, from, text string) error {
	_, err := c.doRequest(ctx, "POST", "/api/messages/send", map[string]string{
		"conversationId": conversationID,
		"from":           from,
		"to":             conversationID,
		"text":           text,
	}, nil)
	return err
}

// SendGroupMessage sends a text message to a group.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, from, text string) error {
	_, err := c.doRequest(ctx, "POST", "/api/messages/sendGroup", map[string]string{
		"groupId": groupID,
		"from":    from,
		"text":    text,
	}, nil)
	return err
}

// SendMedia sends a direct message with an attached binary file, encoded as
// a multipart form.
func (c *Client) SendMedia(ctx context.Context, conversationID, from, text string, att *Attachment) error {
	if att == nil || len(att.Data) == 0 {
		return &APIError{Code: CodeValidation, Message: "attachment is required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("conversationId", conversationID)
	_ = w.WriteField("from", from)
	_ = w.WriteField("to", conversationID)
	_ = w.WriteField("text", text)

	part, err := w.CreateFormFile("file", att.FileName)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := c.newRequest(ctx, "POST", "/api/messages/sendMedia", &buf, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	_, err = c.send(req)
	return err
}

// LookupUser fetches a user profile by ID.
func (c *Client) LookupUser(ctx context.Context, userID string) (*User, error) {
	data, err := c.doRequest(ctx, "GET", "/api/messages/user/"+url.PathEscape(userID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// CreateGroup creates a group conversation with the given members.
func (c *Client) CreateGroup(ctx context.Context, name string, memberIDs []string) error {
	_, err := c.doRequest(ctx, "POST", "/api/groups", map[string]interface{}{
		"name":    name,
		"members": memberIDs,
	}, nil)
	return err
}
