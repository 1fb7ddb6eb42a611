package domain

import (
	interfaces "murmur/internal/domain/interfaces"
	types "murmur/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	PeerID         = types.PeerID
	Fingerprint    = types.Fingerprint
	TransportKind  = types.TransportKind
	Message        = types.Message
	ConnStatus     = types.ConnStatus
	Delivery       = types.Delivery
	Event          = types.Event
	EventSink      = types.EventSink
	StatusEvent    = types.StatusEvent
	DeliveryEvent  = types.DeliveryEvent
	HandshakeEvent = types.HandshakeEvent
	TrustEntry     = types.TrustEntry
)

// Interface aliases.
type (
	Transport  = interfaces.Transport
	TrustStore = interfaces.TrustStore
)

const (
	KindP2P      = types.KindP2P
	KindRelay    = types.KindRelay
	KindLoopback = types.KindLoopback

	StatusConnected       = types.StatusConnected
	StatusDisconnected    = types.StatusDisconnected
	StatusReconnecting    = types.StatusReconnecting
	StatusReconnectFailed = types.StatusReconnectFailed

	DeliverySending   = types.DeliverySending
	DeliverySent      = types.DeliverySent
	DeliveryQueued    = types.DeliveryQueued
	DeliveryDelivered = types.DeliveryDelivered
	DeliveryFailed    = types.DeliveryFailed
)
