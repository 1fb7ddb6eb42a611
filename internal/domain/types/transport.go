package types

import "fmt"

// TransportKind names the substrate a Transport runs over.
type TransportKind int

const (
	// KindP2P is the direct, connection-oriented QUIC substrate.
	KindP2P TransportKind = iota + 1

	// KindRelay is the message-oriented relay substrate.
	KindRelay

	// KindLoopback is the in-process substrate used by tests and local wiring.
	KindLoopback
)

// String returns a human-readable name for the transport kind.
func (k TransportKind) String() string {
	switch k {
	case KindP2P:
		return "p2p"
	case KindRelay:
		return "relay"
	case KindLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("TransportKind(%d)", int(k))
	}
}

// Message is a decrypted application payload handed to the chat pipeline.
type Message struct {
	From      PeerID
	Plaintext []byte
	Kind      TransportKind
}
