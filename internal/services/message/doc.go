// Package message seals outbound chat payloads under the peer's secure
// session and opens inbound data packets.
//
// Only ciphertext leaves this package: Send encrypts before the transport
// sees a byte, and Open is the single place inbound payloads become
// plaintext. Neither path starts a handshake; without an established
// session Send fails with domain.ErrNoSession.
package message
