// Package relay is the message-oriented fallback transport.
//
// Clients hold one long-lived websocket to a shared relay and exchange
// CBOR-encoded frames with it:
//
//	Register{peer_id}       client -> relay, first frame on a connection
//	Registered{peer_id}     relay -> client, registration accepted
//	Payload{from, to, b}    both directions; the relay overwrites from
//	Queued{to, count}       relay -> client, recipient offline, stored
//	Error{reason}           relay -> client, frame rejected
//
// Payloads are opaque ciphertext. The relay never sees plaintext or keys and
// its view of "from" is only as good as the registration: peers still
// authenticate each other through the Noise handshake.
//
// Client implements domain.Transport. The relay service itself lives in the
// server subpackage.
package relay
