package relay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultRequestTimeout bounds requests the engine issues on its own
// (directory refreshes, history loads, mark-read).
const defaultRequestTimeout = 10 * time.Second

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger attaches a logger to the engine and its stores.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithNotifier installs the local notification surface.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithTypingOptions forwards options to the typing coordinator.
func WithTypingOptions(opts ...TypingOption) EngineOption {
	return func(e *Engine) { e.typingOpts = append(e.typingOpts, opts...) }
}

// WithUpdateHook registers the re-render callback, invoked after every
// state change the view should reflect.
func WithUpdateHook(fn func()) EngineOption {
	return func(e *Engine) { e.onUpdate = fn }
}

// Engine is the reconciliation core: it binds the session, the event
// channel and the four state stores, merging server-pushed events with
// locally-initiated actions into one consistent view. The engine
// exclusively owns writes to all stores; the rendering layer only reads.
type Engine struct {
	session  *Session
	client   *Client
	logger   *zap.Logger
	notifier Notifier

	directory *ConversationDirectory
	timeline  *MessageTimeline
	presence  *PresenceTracker
	typing    *TypingCoordinator

	typingOpts []TypingOption
	onUpdate   func()
	reqTimeout time.Duration

	mu           sync.Mutex
	selected     *Conversation
	selectionGen uint64
	composerText string
	attachment   *Attachment
	peerInfo     *User
	lastErr      error

	subMu       sync.RWMutex
	arrivalSubs []func(Message)
}

// NewEngine creates an engine bound to an established session. Call Start
// to attach it to the session's event channel.
func NewEngine(session *Session, opts ...EngineOption) *Engine {
	e := &Engine{
		session:    session,
		client:     session.Client(),
		logger:     zap.NewNop(),
		notifier:   NopNotifier{},
		reqTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.directory = NewConversationDirectory(e.client, e.logger)
	e.timeline = NewMessageTimeline()
	e.presence = NewPresenceTracker()

	topts := append([]TypingOption{WithTypingChange(e.render)}, e.typingOpts...)
	e.typing = NewTypingCoordinator(e.emitTyping, e.emitStopTyping, topts...)

	// The directory reacts to message arrivals by coarse invalidation:
	// re-fetch rather than incremental patch, so previews and unread
	// counts stay live for conversations other than the selected one.
	e.SubscribeMessageArrived(func(Message) { go e.refreshDirectory() })

	return e
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start subscribes the engine to the session's event channel, announces the
// user online and performs the initial directory load. The channel
// subscriptions are conversation-agnostic and persist for the session's
// lifetime.
func (e *Engine) Start(ctx context.Context) error {
	self := e.session.Identity()
	ch := e.session.Channel()
	if self == nil || ch == nil {
		return fmt.Errorf("engine start: session not established")
	}

	ch.OnMessage(e.handleMessage)
	ch.OnTyping(e.handleTyping)
	ch.OnStopTyping(e.handleStopTyping)
	ch.OnPresence(e.handlePresence)

	if err := ch.UserOnline(ctx, self.ID); err != nil {
		e.logger.Warn("failed to announce presence", zap.Error(err))
	}
	if err := e.directory.Refresh(ctx); err != nil {
		e.setError(err)
	}
	e.render()
	return nil
}

// Session returns the session the engine is bound to.
func (e *Engine) Session() *Session { return e.session }

// Directory returns the conversation directory for reading.
func (e *Engine) Directory() *ConversationDirectory { return e.directory }

// Timeline returns the message timeline for reading.
func (e *Engine) Timeline() *MessageTimeline { return e.timeline }

// Presence returns the presence tracker for reading.
func (e *Engine) Presence() *PresenceTracker { return e.presence }

// Typing returns the typing coordinator for reading.
func (e *Engine) Typing() *TypingCoordinator { return e.typing }

// SubscribeMessageArrived registers a callback invoked for every inbound
// message, regardless of the selected conversation.
func (e *Engine) SubscribeMessageArrived(fn func(Message)) {
	e.subMu.Lock()
	e.arrivalSubs = append(e.arrivalSubs, fn)
	e.subMu.Unlock()
}

// LastError returns the most recent surfaced request failure, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleMessage(msg Message) {
	self := e.session.Identity()

	e.mu.Lock()
	sel := e.selected
	e.mu.Unlock()

	// Route into the timeline only when the message belongs to the
	// selected conversation; messages for other conversations still reach
	// the arrival subscribers so the directory stays live.
	if sel != nil && msg.ConversationID == sel.ID {
		e.timeline.Append(msg)
	}

	e.subMu.RLock()
	subs := append([]func(Message){}, e.arrivalSubs...)
	e.subMu.RUnlock()
	for _, fn := range subs {
		fn(msg)
	}

	if self != nil && msg.From != self.ID {
		body := msg.Text
		if body == "" {
			body = "Media received"
		}
		if err := e.notifier.Notify("New message", body); err != nil {
			e.logger.Debug("notification suppressed", zap.Error(err))
		}
	}
	e.render()
}

func (e *Engine) handleTyping(sig TypingSignal) {
	if !e.typingRelevant(sig) {
		return
	}
	e.typing.RemoteTyping(sig.From)
}

func (e *Engine) handleStopTyping(sig TypingSignal) {
	if !e.typingRelevant(sig) {
		return
	}
	e.typing.RemoteStopped(sig.From)
}

// typingRelevant accepts signals addressed to the authenticated user from
// the peer of the currently selected 1:1 conversation.
func (e *Engine) typingRelevant(sig TypingSignal) bool {
	self := e.session.Identity()
	if self == nil || sig.To != self.ID {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected != nil && !e.selected.IsGroup && e.selected.ID == sig.From
}

func (e *Engine) handlePresence(p PresenceUpdate) {
	e.presence.SetStatus(p.UserID, p.Status)
	e.render()
}

// ============================================================================
// Selection
// ============================================================================

// Select switches the view to a conversation: the previous timeline is
// discarded unconditionally, remote typing state resets immediately, and
// the history load, mark-read and peer lookup are issued for the new
// selection. A history fetch that resolves after a newer selection is
// dropped.
func (e *Engine) Select(ctx context.Context, conv Conversation) {
	e.mu.Lock()
	c := conv
	e.selected = &c
	e.selectionGen++
	gen := e.selectionGen
	e.peerInfo = nil
	e.mu.Unlock()

	e.typing.Reset()
	e.timeline.Replace(conv.ID, nil)
	e.render()

	go e.loadHistory(ctx, gen, conv)
	if !conv.IsGroup {
		go e.markRead(ctx, conv.ID)
		go e.lookupPeer(ctx, gen, conv.ID)
	}
}

// Selected returns a copy of the selected conversation, or nil.
func (e *Engine) Selected() *Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == nil {
		return nil
	}
	c := *e.selected
	return &c
}

// PeerInfo returns the looked-up profile of the selected 1:1 peer, or nil.
func (e *Engine) PeerInfo() *User {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerInfo
}

func (e *Engine) loadHistory(ctx context.Context, gen uint64, conv Conversation) {
	ctx, cancel := context.WithTimeout(ctx, e.reqTimeout)
	defer cancel()

	msgs, err := e.client.ListMessages(ctx, conv.ID, conv.IsGroup)
	if err != nil {
		e.setError(err)
		e.render()
		return
	}

	// A late response must not overwrite a newer selection.
	e.mu.Lock()
	applied := gen == e.selectionGen
	if applied {
		e.timeline.Replace(conv.ID, msgs)
	}
	e.mu.Unlock()

	if !applied {
		e.logger.Debug("discarding stale history fetch",
			zap.String("conversation", conv.ID))
		return
	}
	e.render()
}

func (e *Engine) markRead(ctx context.Context, conversationID string) {
	ctx, cancel := context.WithTimeout(ctx, e.reqTimeout)
	defer cancel()

	if err := e.client.MarkRead(ctx, conversationID); err != nil {
		e.logger.Warn("mark-read failed", zap.Error(err))
		return
	}
	e.refreshDirectory()
}

func (e *Engine) lookupPeer(ctx context.Context, gen uint64, peerID string) {
	ctx, cancel := context.WithTimeout(ctx, e.reqTimeout)
	defer cancel()

	user, err := e.client.LookupUser(ctx, peerID)
	if err != nil {
		if !IsNotFound(err) {
			e.logger.Warn("peer lookup failed", zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	if gen == e.selectionGen {
		e.peerInfo = user
	}
	e.mu.Unlock()
	e.render()
}

// ============================================================================
// Composer & send protocol
// ============================================================================

// SetComposerText records composition activity: the draft is stored and a
// typing keystroke is registered for the selected conversation.
func (e *Engine) SetComposerText(text string) {
	e.mu.Lock()
	e.composerText = text
	sel := e.selected
	e.mu.Unlock()

	if sel != nil {
		e.typing.Keystroke(sel.ID)
	}
}

// ComposerText returns the current draft.
func (e *Engine) ComposerText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.composerText
}

// Attach stages binary content for the next send.
func (e *Engine) Attach(att Attachment) {
	e.mu.Lock()
	e.attachment = &att
	e.mu.Unlock()
}

// ClearAttachment discards the staged attachment.
func (e *Engine) ClearAttachment() {
	e.mu.Lock()
	e.attachment = nil
	e.mu.Unlock()
}

// StagedAttachment returns the staged attachment, or nil.
func (e *Engine) StagedAttachment() *Attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachment
}

// Send dispatches the composer contents to the selected conversation,
// choosing the route from conversation kind and content kind: group text,
// direct text, or direct with attachment. An empty send is rejected locally
// before any request. On success the composer and staged attachment are
// cleared and a stop-typing signal is emitted; on failure the composer is
// left intact so the user can retry, and the error is surfaced.
func (e *Engine) Send(ctx context.Context) error {
	self := e.session.Identity()
	if self == nil {
		return &APIError{Code: CodeUnauthorized, Message: "not signed in"}
	}

	e.mu.Lock()
	sel := e.selected
	text := e.composerText
	att := e.attachment
	e.mu.Unlock()

	if sel == nil {
		return &APIError{Code: CodeValidation, Message: "no conversation selected"}
	}
	if strings.TrimSpace(text) == "" && att == nil {
		return &APIError{Code: CodeValidation, Message: "message has no content"}
	}

	pending := Message{
		ClientID:       uuid.NewString(),
		ConversationID: sel.ID,
		From:           self.ID,
		Text:           text,
		Timestamp:      time.Now(),
	}
	if att != nil {
		pending.MediaType = att.MimeType
	}
	e.timeline.AppendPending(pending)
	e.render()

	var err error
	switch {
	case sel.IsGroup:
		err = e.client.SendGroupMessage(ctx, sel.ID, self.ID, text)
	case att != nil:
		err = e.client.SendMedia(ctx, sel.ID, self.ID, text, att)
	default:
		err = e.client.SendMessage(ctx, sel.ID, self.ID, text)
	}

	if err != nil {
		e.timeline.DropPending(pending.ClientID)
		e.setError(err)
		e.render()
		return err
	}

	e.timeline.MarkSent(pending.ClientID)
	e.mu.Lock()
	e.composerText = ""
	e.attachment = nil
	e.lastErr = nil
	e.mu.Unlock()

	e.typing.StopLocal(sel.ID)
	e.render()
	return nil
}

// ============================================================================
// Directory & export
// ============================================================================

// SetFilter changes the conversation filter and re-fetches the directory.
func (e *Engine) SetFilter(ctx context.Context, query string) {
	e.directory.SetFilter(query)
	if err := e.directory.Refresh(ctx); err != nil {
		e.setError(err)
	}
	e.render()
}

func (e *Engine) refreshDirectory() {
	ctx, cancel := context.WithTimeout(context.Background(), e.reqTimeout)
	defer cancel()

	if err := e.directory.Refresh(ctx); err != nil {
		e.setError(err)
		return
	}
	e.render()
}

// ExportTimeline writes the current timeline as plain text, one
// "from: text (time)" line per message.
func (e *Engine) ExportTimeline(w io.Writer) error {
	for _, m := range e.timeline.Messages() {
		ts := ""
		if !m.Timestamp.IsZero() {
			ts = m.Timestamp.Local().Format("2006-01-02 15:04:05")
		}
		if _, err := fmt.Fprintf(w, "%s: %s (%s)\n", m.From, m.Text, ts); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Internals
// ============================================================================

func (e *Engine) emitTyping(peerID string) {
	e.signalTyping(peerID, false)
}

func (e *Engine) emitStopTyping(peerID string) {
	e.signalTyping(peerID, true)
}

func (e *Engine) signalTyping(peerID string, stop bool) {
	self := e.session.Identity()
	ch := e.session.Channel()
	if self == nil || ch == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.reqTimeout)
	defer cancel()

	var err error
	if stop {
		err = ch.StopTyping(ctx, self.ID, peerID)
	} else {
		err = ch.Typing(ctx, self.ID, peerID)
	}
	if err != nil {
		e.logger.Debug("typing signal failed", zap.Error(err))
	}
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.logger.Warn("request failed", zap.Error(err))
}

func (e *Engine) render() {
	if e.onUpdate != nil {
		e.onUpdate()
	}
}
