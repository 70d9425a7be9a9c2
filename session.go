package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// ============================================================================
// Credential store
// ============================================================================

// credentialFile is the on-disk shape of the persisted credential. A single
// opaque token under a fixed key; absence means unauthenticated.
type credentialFile struct {
	Auth struct {
		Token string `toml:"token"`
	} `toml:"auth"`
}

// CredentialStore persists the session credential across process restarts.
type CredentialStore struct {
	path string
}

// DefaultCredentialPath returns ~/.relay/credentials.toml.
func DefaultCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".relay", "credentials.toml"), nil
}

// NewCredentialStore creates a store backed by the given file. An empty path
// selects the default location.
func NewCredentialStore(path string) *CredentialStore {
	if path == "" {
		if p, err := DefaultCredentialPath(); err == nil {
			path = p
		}
	}
	return &CredentialStore{path: path}
}

// Load returns the persisted credential, or "" when none is stored.
func (s *CredentialStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("cannot read credentials: %w", err)
	}
	var f credentialFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("cannot parse credentials: %w", err)
	}
	return f.Auth.Token, nil
}

// Save writes the credential to disk, creating the directory if needed.
func (s *CredentialStore) Save(token string) error {
	var f credentialFile
	f.Auth.Token = token
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return nil
}

// Clear removes the persisted credential. Missing file is not an error.
func (s *CredentialStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove credentials: %w", err)
	}
	return nil
}

// ============================================================================
// Session
// ============================================================================

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger attaches a logger to the session and its channel.
func WithSessionLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithChannelConfig overrides channel settings (reconnect policy etc.).
// The token is always taken from the session credential.
func WithChannelConfig(cfg ChannelConfig) SessionOption {
	return func(s *Session) { s.channelCfg = cfg }
}

// Session holds the authenticated identity and its credential and owns the
// event channel bound to that credential. Its lifecycle is explicit: created
// on login or restore, destroyed on sign-out.
type Session struct {
	client     *Client
	creds      *CredentialStore
	logger     *zap.Logger
	channelCfg ChannelConfig

	mu       sync.RWMutex
	identity *Identity
	channel  *Channel
}

// NewSession creates an unauthenticated session.
func NewSession(client *Client, creds *CredentialStore, opts ...SessionOption) *Session {
	s := &Session{
		client: client,
		creds:  creds,
		logger: zap.NewNop(),
		channelCfg: ChannelConfig{
			AutoReconnect: true,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the API client carrying the session credential.
func (s *Session) Client() *Client { return s.client }

// Identity returns the authenticated identity, or nil.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Channel returns the live event channel, or nil when signed out.
func (s *Session) Channel() *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

// Restore reconstructs the session from the persisted credential and opens
// the event channel authenticated with it. On any failure the persisted
// credential is purged and the identity stays unset; authentication failures
// are terminal per attempt, no retries.
func (s *Session) Restore(ctx context.Context) error {
	token, err := s.creds.Load()
	if err != nil {
		return err
	}
	if token == "" {
		return &APIError{Code: CodeUnauthorized, Message: "no stored credential"}
	}

	identity, err := s.client.RestoreSession(ctx, token)
	if err != nil {
		s.client.SetToken("")
		if clearErr := s.creds.Clear(); clearErr != nil {
			s.logger.Warn("failed to purge credential", zap.Error(clearErr))
		}
		return err
	}
	return s.open(ctx, token, identity)
}

// SignIn authenticates with email and password, persists the credential and
// opens the event channel.
func (s *Session) SignIn(ctx context.Context, email, password string) error {
	result, err := s.client.Authenticate(ctx, email, password)
	if err != nil {
		return err
	}
	if err := s.creds.Save(result.Token); err != nil {
		s.logger.Warn("failed to persist credential", zap.Error(err))
	}
	identity := result.User
	return s.open(ctx, result.Token, &identity)
}

func (s *Session) open(ctx context.Context, token string, identity *Identity) error {
	cfg := s.channelCfg
	cfg.Token = token
	channel := NewChannel(s.client.BaseURL(), &cfg, s.logger)
	if err := channel.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.channel
	s.identity = identity
	s.channel = channel
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("session established", zap.String("user", identity.ID))
	return nil
}

// SignOut clears identity and credential and closes the channel.
func (s *Session) SignOut() error {
	s.mu.Lock()
	channel := s.channel
	s.identity = nil
	s.channel = nil
	s.mu.Unlock()

	s.client.SetToken("")
	err := s.creds.Clear()
	if channel != nil {
		_ = channel.Close()
	}
	return err
}
