package types

import "fmt"

// ConnStatus is a connection-status transition exposed to the UI.
type ConnStatus int

const (
	StatusConnected ConnStatus = iota + 1
	StatusDisconnected
	StatusReconnecting
	StatusReconnectFailed
)

// String returns a human-readable representation of the status.
func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "Connected"
	case StatusDisconnected:
		return "Disconnected"
	case StatusReconnecting:
		return "Reconnecting"
	case StatusReconnectFailed:
		return "ReconnectFailed"
	default:
		return fmt.Sprintf("ConnStatus(%d)", int(s))
	}
}

// Delivery is a per-message delivery-status transition.
type Delivery int

const (
	DeliverySending Delivery = iota + 1
	DeliverySent
	DeliveryQueued
	DeliveryDelivered
	DeliveryFailed
)

// String returns a human-readable representation of the delivery status.
func (d Delivery) String() string {
	switch d {
	case DeliverySending:
		return "Sending"
	case DeliverySent:
		return "Sent"
	case DeliveryQueued:
		return "Queued"
	case DeliveryDelivered:
		return "Delivered"
	case DeliveryFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Delivery(%d)", int(d))
	}
}

// Event is anything the core reports upward to the application.
type Event interface {
	isEvent()
}

// StatusEvent reports a connection-status transition for a substrate.
// Attempt and Max are set for StatusReconnecting.
type StatusEvent struct {
	Status  ConnStatus
	Kind    TransportKind
	Attempt int
	Max     int
	Err     error
}

// DeliveryEvent reports a delivery-status transition for one send.
// Count is the recipient's relay queue depth for DeliveryQueued.
type DeliveryEvent struct {
	Peer   PeerID
	Status Delivery
	Kind   TransportKind
	Count  int
	Err    error
}

// HandshakeEvent reports the completion or failure of a handshake.
type HandshakeEvent struct {
	Peer      PeerID
	Initiator bool
	Err       error
}

func (StatusEvent) isEvent()    {}
func (DeliveryEvent) isEvent()  {}
func (HandshakeEvent) isEvent() {}

// String returns a short status line.
func (e StatusEvent) String() string {
	if e.Status == StatusReconnecting {
		return fmt.Sprintf("%s %s (%d/%d)", e.Kind, e.Status, e.Attempt, e.Max)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Status)
}

// EventSink receives events. Implementations must not block.
type EventSink func(Event)

// Emit delivers ev if the sink is set.
func (s EventSink) Emit(ev Event) {
	if s != nil {
		s(ev)
	}
}
