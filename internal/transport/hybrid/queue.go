package hybrid

import (
	"sync"

	"murmur/internal/domain"
)

// DefaultQueueCapacity bounds the PendingQueue.
const DefaultQueueCapacity = 100

// Pending is one payload awaiting resend.
type Pending struct {
	Peer    domain.PeerID
	Payload []byte
}

// PendingQueue is a bounded FIFO. Pushing onto a full queue drops the oldest
// entry, so Len never exceeds the capacity.
type PendingQueue struct {
	mu    sync.Mutex
	items []Pending
	cap   int
}

// NewPendingQueue returns an empty queue. A non-positive capacity takes
// DefaultQueueCapacity.
func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PendingQueue{cap: capacity}
}

// Push appends an entry and reports whether an older one was evicted.
func (q *PendingQueue) Push(peer domain.PeerID, payload []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.items) >= q.cap {
		q.items[0] = Pending{}
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, Pending{Peer: peer, Payload: payload})
	return evicted
}

// Drain removes and returns every entry in FIFO order.
func (q *PendingQueue) Drain() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued entries.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the capacity.
func (q *PendingQueue) Cap() int { return q.cap }
