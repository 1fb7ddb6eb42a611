// Package main runs the murmur relay: a WebSocket store-and-forward server
// for peers that cannot reach each other directly.
//
// Endpoints
//
//	GET /ws
//	    Upgrade to a WebSocket. The first frame must be a Register frame
//	    carrying the client's PeerID. After that the client sends Forward
//	    frames and receives Deliver frames. Payloads for an offline peer
//	    are queued (FIFO, bounded, oldest dropped) and drained on its next
//	    registration.
//
//	GET /healthz
//	    Liveness probe.
//
//	GET /metrics (on Server.MetricsAddr, if set)
//	    Prometheus metrics.
//
// Behaviour
//
//   - Frames are CBOR. The relay sets the From field of every delivered
//     payload to the sender's registered PeerID.
//   - Queues live in memory and are lost on process exit.
//   - The relay never sees plaintext or private keys; it only forwards
//     ciphertext and handshake messages.
//   - The default listen address is :8080.
package main
