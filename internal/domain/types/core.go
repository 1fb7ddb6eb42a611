package types

// PeerID identifies a remote party. It is derived from a public-key
// fingerprint and never changes once assigned.
type PeerID string

// String returns the string form of the peer identifier.
func (p PeerID) String() string { return string(p) }

// Short returns a prefix of the identifier suitable for status lines.
func (p PeerID) Short() string {
	if len(p) <= 12 {
		return string(p)
	}
	return string(p[:12])
}

// Fingerprint is a human-readable rendering of a public key.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }
