package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"murmur/internal/domain"
)

// peerIDBytes is the truncated digest length used for PeerIDs.
const peerIDBytes = 20

// PeerIDFromPublicKey derives the PeerID of a public key.
//
// It hashes with BLAKE2b-256 and truncates to 20 bytes (40 hex chars).
func PeerIDFromPublicKey(pub []byte) domain.PeerID {
	sum := blake2b.Sum256(pub)
	return domain.PeerID(hex.EncodeToString(sum[:peerIDBytes]))
}

// Fingerprint renders the full BLAKE2b-256 digest of pub in groups of four
// hex characters for side-by-side comparison.
func Fingerprint(pub []byte) domain.Fingerprint {
	sum := blake2b.Sum256(pub)
	h := hex.EncodeToString(sum[:])
	var b strings.Builder
	for i := 0; i < len(h); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(h[i : i+4])
	}
	return domain.Fingerprint(b.String())
}
