package identity

import (
	"sort"
	"sync"
	"time"

	"murmur/internal/domain"
)

// MemoryTrustStore is the default in-process trust cache.
type MemoryTrustStore struct {
	mu      sync.RWMutex
	entries map[domain.PeerID]domain.TrustEntry
}

// NewMemoryTrustStore returns an empty cache.
func NewMemoryTrustStore() *MemoryTrustStore {
	return &MemoryTrustStore{entries: make(map[domain.PeerID]domain.TrustEntry)}
}

// Lookup returns the cached key for peer.
func (m *MemoryTrustStore) Lookup(peer domain.PeerID) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[peer]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.PublicKey...), true, nil
}

// Remember stores key for peer, replacing any previous key.
func (m *MemoryTrustStore) Remember(peer domain.PeerID, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[peer] = domain.TrustEntry{
		Peer:      peer,
		PublicKey: append([]byte(nil), key...),
		FirstSeen: time.Now(),
	}
	return nil
}

// Forget drops peer from the cache.
func (m *MemoryTrustStore) Forget(peer domain.PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, peer)
	return nil
}

// List returns all entries ordered by PeerID.
func (m *MemoryTrustStore) List() ([]domain.TrustEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.TrustEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out, nil
}

// Compile-time assertion that MemoryTrustStore implements domain.TrustStore.
var _ domain.TrustStore = (*MemoryTrustStore)(nil)
