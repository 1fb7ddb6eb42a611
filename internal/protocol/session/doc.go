// Package session implements the post-handshake secure session.
//
// A Session wraps the two directional Noise cipher states produced by the
// handshake. Every ciphertext carries its 8-byte big-endian send counter in
// the clear; the counter doubles as associated data so it cannot be altered
// without failing authentication. The receive side accepts nonces inside a
// sliding window to tolerate reordering across substrates, and rejects
// anything already seen or outside the window as tampering.
//
// Sessions are held in a Table keyed by PeerID. A fresh handshake replaces a
// session wholesale; nothing outside this package mutates one.
package session
