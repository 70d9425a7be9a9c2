package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Event names carried on the channel.
const (
	eventNewMessage = "newMessage"
	eventTyping     = "typing"
	eventStopTyping = "stopTyping"
	eventPresence   = "updateUserStatus"
	eventUserOnline = "userOnline"
)

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// TypingSignal is the payload of typing and stopTyping events, both
// directions.
type TypingSignal struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PresenceUpdate is the payload of updateUserStatus events.
type PresenceUpdate struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
}

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures the event channel.
type ChannelConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

// ============================================================================
// Dispatcher
// ============================================================================

// Handlers run synchronously on the read loop so that events from the
// channel are delivered in arrival order.
type channelDispatcher struct {
	mu             sync.RWMutex
	onMessage      []func(Message)
	onTyping       []func(TypingSignal)
	onStopTyping   []func(TypingSignal)
	onPresence     []func(PresenceUpdate)
	onConnected    []func()
	onDisconnected []func(reason string)
}

func (d *channelDispatcher) dispatch(logger *zap.Logger, env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case eventNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			logger.Warn("dropping malformed message event", zap.Error(err))
			return
		}
		for _, h := range d.onMessage {
			h(m)
		}
	case eventTyping:
		var s TypingSignal
		if json.Unmarshal(env.Payload, &s) == nil {
			for _, h := range d.onTyping {
				h(s)
			}
		}
	case eventStopTyping:
		var s TypingSignal
		if json.Unmarshal(env.Payload, &s) == nil {
			for _, h := range d.onStopTyping {
				h(s)
			}
		}
	case eventPresence:
		var p PresenceUpdate
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onPresence {
				h(p)
			}
		}
	default:
		logger.Debug("ignoring unknown channel event", zap.String("type", env.Type))
	}
}

func (d *channelDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *channelDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the bidirectional event channel: one live connection per
// authenticated session, mutated only by the reconciliation engine.
type Channel struct {
	baseURL string
	config  *ChannelConfig
	logger  *zap.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *channelDispatcher
	recon      *reconnector
}

// NewChannel creates an unconnected channel for the given server.
func NewChannel(baseURL string, config *ChannelConfig, logger *zap.Logger) *Channel {
	cfg := *config
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		logger:     logger,
		state:      StateDisconnected,
		dispatcher: &channelDispatcher{},
		recon:      newReconnector(&cfg),
	}
}

// OnMessage registers a handler for inbound messages.
func (ch *Channel) OnMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onMessage = append(ch.dispatcher.onMessage, h)
	ch.dispatcher.mu.Unlock()
}

// OnTyping registers a handler for inbound typing signals.
func (ch *Channel) OnTyping(h func(TypingSignal)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onTyping = append(ch.dispatcher.onTyping, h)
	ch.dispatcher.mu.Unlock()
}

// OnStopTyping registers a handler for inbound stop-typing signals.
func (ch *Channel) OnStopTyping(h func(TypingSignal)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onStopTyping = append(ch.dispatcher.onStopTyping, h)
	ch.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for presence updates.
func (ch *Channel) OnPresence(h func(PresenceUpdate)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onPresence = append(ch.dispatcher.onPresence, h)
	ch.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ch *Channel) OnConnected(h func()) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onConnected = append(ch.dispatcher.onConnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ch *Channel) OnDisconnected(h func(reason string)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDisconnected = append(ch.dispatcher.onDisconnected, h)
	ch.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect establishes the websocket connection and starts the read loop.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ch.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	if ch.cancelFn != nil {
		ch.cancelFn()
	}
	ch.conn = conn
	ch.state = StateConnected
	ch.cancelFn = cancel
	ch.mu.Unlock()
	ch.recon.markConnected()

	ch.dispatcher.emitConnected()
	go ch.readLoop(connCtx, conn)
	return nil
}

// Close gracefully closes the connection. Safe to call on an unconnected
// channel.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ============================================================================
// Outbound events
// ============================================================================

// UserOnline announces the authenticated user as online.
func (ch *Channel) UserOnline(ctx context.Context, userID string) error {
	return ch.emit(ctx, eventUserOnline, map[string]string{"userId": userID})
}

// Typing signals that the local user started composing for a peer.
func (ch *Channel) Typing(ctx context.Context, from, to string) error {
	return ch.emit(ctx, eventTyping, TypingSignal{From: from, To: to})
}

// StopTyping signals that the local user stopped composing for a peer.
func (ch *Channel) StopTyping(ctx context.Context, from, to string) error {
	return ch.emit(ctx, eventStopTyping, TypingSignal{From: from, To: to})
}

func (ch *Channel) emit(ctx context.Context, eventType string, payload interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()

	if conn == nil {
		return &APIError{Code: CodeNetwork, Message: "channel not connected"}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ============================================================================
// Read loop & reconnect
// ============================================================================

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			if ch.conn == conn {
				ch.conn = nil
				ch.state = StateDisconnected
			}
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.logger.Warn("channel read failed", zap.Error(err))
			ch.dispatcher.emitDisconnected(err.Error())

			if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
				ch.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.logger.Warn("dropping malformed channel frame", zap.Error(err))
			continue
		}
		ch.dispatcher.dispatch(ch.logger, env)
	}
}

func (ch *Channel) scheduleReconnect(ctx context.Context) {
	delay := ch.recon.nextDelay()
	ch.mu.Lock()
	ch.state = StateReconnecting
	ch.mu.Unlock()

	ch.logger.Info("channel reconnecting",
		zap.Int("attempt", ch.recon.attempt),
		zap.Duration("delay", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if err := ch.Connect(ctx); err != nil {
		if ch.config.AutoReconnect && ch.recon.shouldReconnect() {
			ch.scheduleReconnect(ctx)
			return
		}
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
	}
}
