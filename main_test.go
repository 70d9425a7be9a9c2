package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"nhooyr.io/websocket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// ============================================================================
// Shared test server
// ============================================================================

// channelHub is the server side of the event channel in tests. It accepts
// websocket connections at /ws, records every inbound envelope and can push
// events back to the most recent connection.
type channelHub struct {
	mu      sync.Mutex
	conns   []*websocket.Conn
	inbound []Envelope
}

func (h *channelHub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				h.mu.Lock()
				h.inbound = append(h.inbound, env)
				h.mu.Unlock()
			}
		}
	}
}

func (h *channelHub) push(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	h.mu.Lock()
	var conn *websocket.Conn
	if len(h.conns) > 0 {
		conn = h.conns[len(h.conns)-1]
	}
	h.mu.Unlock()
	if conn == nil {
		t.Fatal("no websocket connection to push to")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("push event: %v", err)
	}
}

func (h *channelHub) received() []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Envelope(nil), h.inbound...)
}

// waitInbound blocks until the hub has received at least n envelopes.
func (h *channelHub) waitInbound(t *testing.T, n int) []Envelope {
	t.Helper()
	waitFor(t, func() bool { return len(h.received()) >= n }, "timed out waiting for inbound envelopes")
	return h.received()
}

// newChatServer starts a test server with the event channel at /ws and the
// given handler for everything else.
func newChatServer(t *testing.T, api http.Handler) (*httptest.Server, *channelHub) {
	t.Helper()
	hub := &channelHub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handler())
	if api != nil {
		mux.Handle("/", api)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
