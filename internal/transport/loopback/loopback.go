// Package loopback is an in-process Transport pair. Tests and local wiring
// use it where a real socket adds nothing.
package loopback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"murmur/internal/domain"
)

const inboxDepth = 256

var errDown = errors.New("loopback: link down")

type inbound struct {
	from    domain.PeerID
	payload []byte
}

// Transport is one end of a loopback link.
type Transport struct {
	local domain.PeerID
	peer  *Transport
	inbox chan inbound

	// up is shared by both ends.
	up *atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

// Pair returns two connected ends, a bound to PeerID a and b to PeerID b.
func Pair(a, b domain.PeerID) (*Transport, *Transport) {
	up := new(atomic.Bool)
	up.Store(true)
	ta := &Transport{local: a, inbox: make(chan inbound, inboxDepth), up: up, closed: make(chan struct{})}
	tb := &Transport{local: b, inbox: make(chan inbound, inboxDepth), up: up, closed: make(chan struct{})}
	ta.peer, tb.peer = tb, ta
	return ta, tb
}

// SetUp raises or cuts the link for both ends. A cut link refuses Send with
// an unreachable error; payloads already delivered stay readable.
func (t *Transport) SetUp(up bool) { t.up.Store(up) }

// Send copies payload into the other end's inbox.
func (t *Transport) Send(ctx context.Context, peer domain.PeerID, payload []byte) error {
	if peer != t.peer.local {
		return domain.Unreachable(peer, errors.New("loopback: not bound to this peer"))
	}
	select {
	case <-t.closed:
		return domain.Closed(peer, errors.New("loopback: closed"))
	case <-t.peer.closed:
		return domain.Closed(peer, errors.New("loopback: peer closed"))
	default:
	}
	if !t.up.Load() {
		return domain.Unreachable(peer, errDown)
	}

	b := make([]byte, len(payload))
	copy(b, payload)
	select {
	case t.peer.inbox <- inbound{from: t.local, payload: b}:
		return nil
	case <-t.peer.closed:
		return domain.Closed(peer, errors.New("loopback: peer closed"))
	case <-ctx.Done():
		return domain.IO(peer, ctx.Err())
	}
}

// Recv returns the next payload from the other end.
func (t *Transport) Recv(ctx context.Context) (domain.PeerID, []byte, error) {
	select {
	case in := <-t.inbox:
		return in.from, in.payload, nil
	case <-t.closed:
		return "", nil, domain.Closed("", errors.New("loopback: closed"))
	case <-ctx.Done():
		return "", nil, domain.IO("", ctx.Err())
	}
}

// IsConnected reports whether peer is the other end and the link is up.
func (t *Transport) IsConnected(peer domain.PeerID) bool {
	if peer != t.peer.local || !t.up.Load() {
		return false
	}
	select {
	case <-t.closed:
		return false
	case <-t.peer.closed:
		return false
	default:
		return true
	}
}

// Kind returns domain.KindLoopback.
func (t *Transport) Kind() domain.TransportKind { return domain.KindLoopback }

// Close closes this end.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Compile-time assertion that Transport implements domain.Transport.
var _ domain.Transport = (*Transport)(nil)
