package relay

import "sync"

// PresenceTracker maintains the online/offline status of users, updated
// solely by inbound presence events. Last write wins per user; unknown
// users are offline.
type PresenceTracker struct {
	mu     sync.RWMutex
	status map[string]PresenceStatus
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{status: make(map[string]PresenceStatus)}
}

// SetStatus overwrites the status for a user. The channel delivers presence
// events for a given user in send order, so no timestamp comparison is done.
func (p *PresenceTracker) SetStatus(userID string, status PresenceStatus) {
	p.mu.Lock()
	p.status[userID] = status
	p.mu.Unlock()
}

// Get returns the last known status for a user, offline when unknown.
func (p *PresenceTracker) Get(userID string) PresenceStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.status[userID]; ok {
		return s
	}
	return StatusOffline
}

// Online reports whether the user is currently online.
func (p *PresenceTracker) Online(userID string) bool {
	return p.Get(userID) == StatusOnline
}
