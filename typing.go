package relay

import (
	"sync"
	"time"
)

const (
	// DefaultTypingDebounce is the quiet period after the last keystroke
	// before a stop-typing signal is emitted.
	DefaultTypingDebounce = 1000 * time.Millisecond

	// DefaultTypingExpiry clears a remote typing indicator that never
	// received an explicit stop signal.
	DefaultTypingExpiry = 3000 * time.Millisecond
)

// resetTimer is a cancellable one-shot timer. Reset replaces any pending
// fire; at most one is outstanding at a time.
type resetTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (r *resetTimer) Reset(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
	}
	r.t = time.AfterFunc(d, fn)
}

func (r *resetTimer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.t != nil {
		r.t.Stop()
		r.t = nil
	}
}

// TypingCoordinator debounces local composition activity into typing and
// stop-typing signals and tracks the remote peer's transient typing state
// with auto-expiry.
type TypingCoordinator struct {
	debounce time.Duration
	expiry   time.Duration

	emitTyping func(peerID string)
	emitStop   func(peerID string)
	onChange   func()

	localTimer  resetTimer
	expiryTimer resetTimer

	mu          sync.Mutex
	localActive bool
	localPeer   string
	remotePeer  string
	remoteGen   uint64
}

// TypingOption configures a TypingCoordinator.
type TypingOption func(*TypingCoordinator)

// WithTypingDebounce overrides the local debounce window.
func WithTypingDebounce(d time.Duration) TypingOption {
	return func(t *TypingCoordinator) { t.debounce = d }
}

// WithTypingExpiry overrides the remote auto-expiry window.
func WithTypingExpiry(d time.Duration) TypingOption {
	return func(t *TypingCoordinator) { t.expiry = d }
}

// WithTypingChange registers a callback invoked whenever the remote typing
// indicator changes.
func WithTypingChange(fn func()) TypingOption {
	return func(t *TypingCoordinator) { t.onChange = fn }
}

// NewTypingCoordinator creates a coordinator that emits outbound signals
// through the given callbacks.
func NewTypingCoordinator(emitTyping, emitStop func(peerID string), opts ...TypingOption) *TypingCoordinator {
	t := &TypingCoordinator{
		debounce:   DefaultTypingDebounce,
		expiry:     DefaultTypingExpiry,
		emitTyping: emitTyping,
		emitStop:   emitStop,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ============================================================================
// Local side
// ============================================================================

// Keystroke records local composition activity for a peer. The first
// keystroke of a burst emits a typing signal; every keystroke resets the
// debounce timer, and the timer firing emits stop-typing. Rapid keystrokes
// therefore never flood the channel.
func (t *TypingCoordinator) Keystroke(peerID string) {
	t.mu.Lock()
	emit := !t.localActive || t.localPeer != peerID
	t.localActive = true
	t.localPeer = peerID
	t.mu.Unlock()

	if emit {
		t.emitTyping(peerID)
	}
	t.localTimer.Reset(t.debounce, func() { t.debounceFired(peerID) })
}

func (t *TypingCoordinator) debounceFired(peerID string) {
	t.mu.Lock()
	fire := t.localActive && t.localPeer == peerID
	if fire {
		t.localActive = false
	}
	t.mu.Unlock()
	if fire {
		t.emitStop(peerID)
	}
}

// StopLocal cancels the in-flight debounce timer and emits stop-typing
// immediately. An explicit send always cancels the timer's effect.
func (t *TypingCoordinator) StopLocal(peerID string) {
	t.localTimer.Stop()
	t.mu.Lock()
	emit := t.localActive && t.localPeer == peerID
	t.localActive = false
	t.mu.Unlock()
	if emit {
		t.emitStop(peerID)
	}
}

// ============================================================================
// Remote side
// ============================================================================

// RemoteTyping marks the peer as typing and arms the expiry timer. Typing
// state self-heals after the expiry window even if no stop signal arrives.
func (t *TypingCoordinator) RemoteTyping(peerID string) {
	t.mu.Lock()
	t.remotePeer = peerID
	t.remoteGen++
	gen := t.remoteGen
	t.mu.Unlock()

	t.expiryTimer.Reset(t.expiry, func() { t.remoteExpired(gen) })
	t.notifyChange()
}

// RemoteStopped clears the typing indicator for the peer.
func (t *TypingCoordinator) RemoteStopped(peerID string) {
	t.mu.Lock()
	cleared := t.remotePeer == peerID && t.remotePeer != ""
	if cleared {
		t.remotePeer = ""
		t.remoteGen++
	}
	t.mu.Unlock()
	if cleared {
		t.expiryTimer.Stop()
		t.notifyChange()
	}
}

func (t *TypingCoordinator) remoteExpired(gen uint64) {
	t.mu.Lock()
	cleared := t.remoteGen == gen && t.remotePeer != ""
	if cleared {
		t.remotePeer = ""
	}
	t.mu.Unlock()
	if cleared {
		t.notifyChange()
	}
}

// Reset clears remote typing state immediately. Called on every selection
// change so stale indicators never leak across conversation switches.
func (t *TypingCoordinator) Reset() {
	t.expiryTimer.Stop()
	t.mu.Lock()
	t.remotePeer = ""
	t.remoteGen++
	t.mu.Unlock()
}

// RemotePeer returns the peer currently typing, or "" if none.
func (t *TypingCoordinator) RemotePeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remotePeer
}

// PeerTyping reports whether the given peer is currently typing.
func (t *TypingCoordinator) PeerTyping(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remotePeer != "" && t.remotePeer == peerID
}

func (t *TypingCoordinator) notifyChange() {
	if t.onChange != nil {
		t.onChange()
	}
}
