// Package hybrid composes a preferred and a fallback Transport behind the
// domain.Transport contract.
//
// Send tries the preferred substrate (P2P), then the fallback (relay). When
// both fail the payload goes to a bounded PendingQueue and the caller still
// gets an error: queuing is not delivery. Run drains the queue on a timer and
// whenever Trigger is called, which the Supervisor does after every relay
// reconnect.
//
// Inbound payloads from both substrates are merged by one pump per
// substrate. Ordering holds within a substrate only.
package hybrid
