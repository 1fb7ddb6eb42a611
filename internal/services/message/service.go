package message

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/domain"
	"murmur/internal/protocol/packet"
	psession "murmur/internal/protocol/session"
	"murmur/internal/transport/hybrid"
)

// Sessions looks up the established session with a peer.
type Sessions interface {
	Session(peer domain.PeerID) (*psession.Session, error)
}

// kindSender is a transport that reports which substrate took each payload.
type kindSender interface {
	SendKind(ctx context.Context, peer domain.PeerID, payload []byte) (domain.TransportKind, error)
}

// Service sends and opens encrypted messages.
//
// High-level flow:
//   - Send: look up the session, encrypt, frame as a data packet, hand it to
//     the transport and report each delivery transition.
//   - Open: look up the session of the sender and decrypt. The session's
//     replay window rejects duplicates and tampering.
type Service struct {
	sessions  Sessions
	transport domain.Transport
	events    domain.EventSink
	log       *logging.Logger
}

// New constructs a message Service. events may be nil.
func New(sessions Sessions, transport domain.Transport, events domain.EventSink, log *logging.Logger) *Service {
	return &Service{
		sessions:  sessions,
		transport: transport,
		events:    events,
		log:       log,
	}
}

// Send encrypts plaintext for peer and transmits it.
//
// A transport failure is returned to the caller even when the ciphertext
// was kept for a later retry. That case is reported as DeliveryQueued, any
// other failure as DeliveryFailed; both events carry the error.
func (s *Service) Send(ctx context.Context, peer domain.PeerID, plaintext []byte) error {
	sess, err := s.sessions.Session(peer)
	if err != nil {
		return err
	}
	ct, err := sess.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("message: seal for %s: %w", peer.Short(), err)
	}

	s.events.Emit(domain.DeliveryEvent{Peer: peer, Status: domain.DeliverySending})
	kind, err := s.transmit(ctx, peer, packet.Encode(packet.TypeData, ct))
	if err != nil {
		status := domain.DeliveryFailed
		if errors.Is(err, hybrid.ErrQueued) {
			status = domain.DeliveryQueued
			s.log.Infof("Message to %s kept for retry: %v", peer.Short(), err)
		} else {
			s.log.Warningf("Message to %s not sent: %v", peer.Short(), err)
		}
		s.events.Emit(domain.DeliveryEvent{Peer: peer, Status: status, Err: err})
		return err
	}
	s.events.Emit(domain.DeliveryEvent{Peer: peer, Status: domain.DeliverySent, Kind: kind})
	return nil
}

func (s *Service) transmit(ctx context.Context, peer domain.PeerID, payload []byte) (domain.TransportKind, error) {
	if ks, ok := s.transport.(kindSender); ok {
		return ks.SendKind(ctx, peer, payload)
	}
	if err := s.transport.Send(ctx, peer, payload); err != nil {
		return 0, err
	}
	return s.transport.Kind(), nil
}

// Open decrypts the body of a data packet from peer.
func (s *Service) Open(from domain.PeerID, body []byte) (domain.Message, error) {
	sess, err := s.sessions.Session(from)
	if err != nil {
		return domain.Message{}, err
	}
	pt, err := sess.Decrypt(body)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{From: from, Plaintext: pt}, nil
}
