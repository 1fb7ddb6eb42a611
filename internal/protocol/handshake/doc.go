// Package handshake implements the three message mutually authenticated key
// exchange that precedes every secure session.
//
// The construction is Noise_XX_25519_ChaChaPoly_BLAKE2s from the Noise
// Protocol Framework, driven by nyquist:
//
//	-> e
//	<- e, ee, s, es, {confirm}
//	-> s, se, {confirm}
//
// Static keys only ever travel encrypted. Each side checks the peer's static
// key against the trust cache as soon as it is revealed (message 2 for the
// initiator, message 3 for the responder). Any failure discards the whole
// state, ephemeral keys included, so a retry always starts from scratch.
//
// A State covers exactly one attempt. ResolveCollision decides which side
// keeps the initiator role when both start at once.
package handshake
