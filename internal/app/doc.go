// Package app wires a murmur node together.
//
// It builds the identity, trust cache, substrates (QUIC P2P pool and relay
// client), the hybrid transport, the handshake manager and the message
// service from a config.Config, and exposes the handful of operations the
// CLI needs: Listen, DialPeer, Connect, Send, Messages and Events.
package app
