package server

import (
	"sync"
	"time"

	"murmur/internal/domain"
)

type queuedPayload struct {
	from    domain.PeerID
	payload []byte
	expires time.Time
}

func (q queuedPayload) expired(now time.Time) bool {
	return !q.expires.IsZero() && now.After(q.expires)
}

// mailbox is the per-recipient registry entry and FIFO. Its lock orders
// every forward, queue and drain for that recipient.
type mailbox struct {
	id domain.PeerID

	mu    sync.Mutex
	conn  *peerConn
	queue []queuedPayload

	// dead is set once the mailbox left the registry; holders of a stale
	// pointer must look it up again.
	dead bool
}

// push appends e, evicting the oldest entry past limit. It reports whether
// an entry was evicted.
func (b *mailbox) push(e queuedPayload, limit int) bool {
	evicted := false
	if len(b.queue) >= limit {
		b.queue[0] = queuedPayload{}
		b.queue = b.queue[1:]
		evicted = true
	}
	b.queue = append(b.queue, e)
	return evicted
}

func (b *mailbox) pop() {
	b.queue[0] = queuedPayload{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
}
