// Package commands defines the murmur CLI.
//
// Commands
//
//   - chat          Talk to one peer over P2P, falling back to a relay
//   - fingerprint   Generate an identity and print its PeerID and fingerprint
//   - peers list    Show the keys cached in a trust database
//   - peers forget  Drop a peer's cached key
//   - version       Print the build version
//
// # Implementation
//
// Identities live for one process. The trust database only holds peers'
// public keys, so a key change is noticed across runs.
package commands
