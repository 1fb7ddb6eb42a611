package session

import (
	"sort"
	"sync"

	"murmur/internal/domain"
)

// Table holds the current session for each peer. Lookups share a read lock;
// installs take the write lock only for the map update.
type Table struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*Session
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{sessions: make(map[domain.PeerID]*Session)}
}

// Get returns the session for peer.
func (t *Table) Get(peer domain.PeerID) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[peer]
	return s, ok
}

// Put installs s as the session for its peer. Any previous session is closed.
func (t *Table) Put(s *Session) {
	t.mu.Lock()
	old := t.sessions[s.peer]
	t.sessions[s.peer] = s
	t.mu.Unlock()

	if old != nil && old != s {
		old.Close()
	}
}

// Remove drops and closes the session for peer.
func (t *Table) Remove(peer domain.PeerID) {
	t.mu.Lock()
	old := t.sessions[peer]
	delete(t.sessions, peer)
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// Peers returns the peers with an established session, sorted.
func (t *Table) Peers() []domain.PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(t.sessions))
	for p := range t.sessions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Close closes every session and empties the table.
func (t *Table) Close() {
	t.mu.Lock()
	all := t.sessions
	t.sessions = make(map[domain.PeerID]*Session)
	t.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
