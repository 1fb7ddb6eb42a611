// Package identity is the Identity & Key Store.
//
// It holds the local long-term identity for the lifetime of the process and
// a trust cache of previously seen peer public keys. Verify classifies a
// presented key as unknown, unchanged or changed and consults the caller's
// Acceptor for everything but an unchanged key.
package identity
