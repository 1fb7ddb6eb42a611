// Package crypto exposes the minimal primitives used by murmur.
//
// Contents
//
//   - X25519 identity key generation on top of the Noise DH function set
//     (GenerateIdentity, ParsePublicKey)
//   - PeerID derivation and human fingerprints (PeerIDFromPublicKey,
//     Fingerprint)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//
// # Notes
//
// Identity has no serialisation methods. Formatting an Identity
// with any verb prints only its PeerID, so a stray log call cannot leak the
// private scalar.
package crypto
