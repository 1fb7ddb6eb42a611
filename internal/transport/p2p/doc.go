// Package p2p is the direct, low-latency transport.
//
// Each peer pair shares one QUIC connection carrying a single bidirectional
// stream. Payloads are framed with a 4-byte big-endian length prefix. QUIC's
// TLS layer uses throwaway self-signed certificates and is not verified: it
// only hides traffic from passive observers until the Noise handshake
// authenticates the peer.
//
// Right after the stream opens, both ends exchange a hello frame naming
// their PeerID. The dialer refuses a connection whose hello does not match
// the PeerID it meant to reach, and every Send checks the destination
// against the bound remote so one connection can never carry another peer's
// traffic.
package p2p
