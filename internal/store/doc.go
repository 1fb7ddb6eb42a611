// Package store persists the trust cache of peer public keys in a bbolt
// file so a changed key is noticed across runs.
//
// Only public keys and first-seen times are written. Private keys never
// reach disk; identities live for one process.
package store
