package relay

import "testing"

func TestPresenceTracker(t *testing.T) {
	t.Run("unknown user defaults to offline", func(t *testing.T) {
		p := NewPresenceTracker()
		if got := p.Get("nobody"); got != StatusOffline {
			t.Fatalf("expected offline default, got %q", got)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		p := NewPresenceTracker()
		p.SetStatus("alice", StatusOnline)
		p.SetStatus("alice", StatusOffline)
		p.SetStatus("alice", StatusOnline)
		if !p.Online("alice") {
			t.Fatal("expected alice online after last write")
		}
	})

	t.Run("users are tracked independently", func(t *testing.T) {
		p := NewPresenceTracker()
		p.SetStatus("alice", StatusOnline)
		if p.Online("bob") {
			t.Fatal("bob should not inherit alice's status")
		}
	})
}
