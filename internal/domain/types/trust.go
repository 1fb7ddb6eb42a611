package types

import "time"

// TrustEntry is a cached peer public key.
type TrustEntry struct {
	Peer      PeerID
	PublicKey []byte
	FirstSeen time.Time
}
