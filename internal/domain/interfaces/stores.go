package interfaces

import domaintypes "murmur/internal/domain/types"

// TrustStore caches previously seen peer public keys for change detection.
// It never holds private material.
type TrustStore interface {
	Lookup(peer domaintypes.PeerID) ([]byte, bool, error)
	Remember(peer domaintypes.PeerID, publicKey []byte) error
	Forget(peer domaintypes.PeerID) error
	List() ([]domaintypes.TrustEntry, error)
}
