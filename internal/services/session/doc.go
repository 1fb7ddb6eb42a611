// Package session coordinates handshakes and owns the peer-keyed session
// table.
//
// Each PeerID gets an isolated slot holding at most one in-progress
// handshake. Slots are independent: a slow handshake, a prompt waiting on
// the user, or a timeout for one peer never blocks another. Completed
// handshakes install their session into the table, replacing any older one.
// A slot is dropped as soon as nothing is pending on it.
//
// The initiator finishes on sending message 3, before the responder has
// judged its key. Until the first packet from the responder authenticates
// on that session, an Abort from the responder still revokes it.
package session
