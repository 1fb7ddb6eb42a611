// Package server is the relay service.
//
// It keeps an in-memory registry of connected peers and a bounded FIFO
// mailbox per recipient. A payload for a connected recipient is forwarded at
// once; otherwise it is queued (oldest evicted past the cap) and the sender
// is told Queued. Registering drains the mailbox in order before any newer
// payload can be forwarded. Nothing survives a restart.
//
// The sender of every forwarded payload is the PeerID its connection
// registered with; whatever the client put in "from" is discarded.
package server
