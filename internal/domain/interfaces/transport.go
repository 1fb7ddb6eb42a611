package interfaces

import (
	"context"

	domaintypes "murmur/internal/domain/types"
)

// Transport moves opaque byte payloads to and from peers. P2P, Relay and
// Loopback are sibling implementations; callers never learn which one is
// active beyond Kind.
type Transport interface {
	// Send delivers payload to peer or returns a *TransportError.
	Send(ctx context.Context, peer domaintypes.PeerID, payload []byte) error

	// Recv blocks until a payload arrives or ctx is done.
	Recv(ctx context.Context) (domaintypes.PeerID, []byte, error)

	// IsConnected reports substrate-level liveness towards peer.
	IsConnected(peer domaintypes.PeerID) bool

	// Kind names the substrate.
	Kind() domaintypes.TransportKind

	// Close releases every socket owned by the transport.
	Close() error
}
