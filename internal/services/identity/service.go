package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"murmur/internal/crypto"
	"murmur/internal/domain"
)

// ErrRejected is returned when the caller declines a peer's key.
var ErrRejected = errors.New("identity: peer key rejected")

// Verdict is the outcome of comparing a presented key with the trust cache.
type Verdict int

const (
	// VerdictUnknown means the peer has never been seen.
	VerdictUnknown Verdict = iota + 1

	// VerdictUnchanged means the key matches the cached one.
	VerdictUnchanged

	// VerdictChanged means the key differs from the cached one: either a
	// man in the middle or a device reset.
	VerdictChanged
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictUnknown:
		return "unknown"
	case VerdictUnchanged:
		return "unchanged"
	case VerdictChanged:
		return "changed"
	default:
		return fmt.Sprintf("Verdict(%d)", int(v))
	}
}

// Challenge is what the caller sees when asked to accept a key.
type Challenge struct {
	Peer      domain.PeerID
	Verdict   Verdict
	Presented domain.Fingerprint
	Previous  domain.Fingerprint
}

// Acceptor decides whether to accept an unknown or changed key. It may block
// (for example on a terminal prompt) until ctx is done.
type Acceptor func(ctx context.Context, c Challenge) bool

// AcceptFirstUse accepts unknown peers and refuses changed keys.
func AcceptFirstUse(_ context.Context, c Challenge) bool {
	return c.Verdict == VerdictUnknown
}

// AcceptAll accepts every key, including changed ones.
func AcceptAll(context.Context, Challenge) bool { return true }

// RejectAll refuses every key that is not already trusted.
func RejectAll(context.Context, Challenge) bool { return false }

// Service holds the local identity and verifies peer keys against the trust
// cache.
type Service struct {
	local  *crypto.Identity
	trust  domain.TrustStore
	accept Acceptor
	log    *logging.Logger
}

// New returns an identity service. A nil acceptor means AcceptFirstUse.
func New(local *crypto.Identity, trust domain.TrustStore, accept Acceptor, log *logging.Logger) *Service {
	if trust == nil {
		trust = NewMemoryTrustStore()
	}
	if accept == nil {
		accept = AcceptFirstUse
	}
	return &Service{local: local, trust: trust, accept: accept, log: log}
}

// Local returns the local identity.
func (s *Service) Local() *crypto.Identity { return s.local }

// Trust returns the trust cache.
func (s *Service) Trust() domain.TrustStore { return s.trust }

// Classify compares key with the cache without asking anyone.
func (s *Service) Classify(peer domain.PeerID, key []byte) (Verdict, []byte, error) {
	prev, ok, err := s.trust.Lookup(peer)
	if err != nil {
		return 0, nil, fmt.Errorf("identity: lookup %s: %w", peer.Short(), err)
	}
	switch {
	case !ok:
		return VerdictUnknown, nil, nil
	case bytes.Equal(prev, key):
		return VerdictUnchanged, prev, nil
	default:
		return VerdictChanged, prev, nil
	}
}

// Verify decides whether key may be used for peer. Unchanged keys are
// accepted silently; unknown and changed keys go through the Acceptor. An
// accepted key is remembered. An acceptance given after ctx is done counts
// as a rejection.
func (s *Service) Verify(ctx context.Context, peer domain.PeerID, key []byte) (Verdict, error) {
	verdict, prev, err := s.Classify(peer, key)
	if err != nil {
		return 0, err
	}
	if verdict == VerdictUnchanged {
		return verdict, nil
	}

	c := Challenge{
		Peer:      peer,
		Verdict:   verdict,
		Presented: crypto.Fingerprint(key),
	}
	if prev != nil {
		c.Previous = crypto.Fingerprint(prev)
	}
	if verdict == VerdictChanged && s.log != nil {
		s.log.Warningf("Peer %s presented a different key than last time", peer.Short())
	}
	if !s.accept(ctx, c) {
		return verdict, fmt.Errorf("%w: %s key for %s", ErrRejected, verdict, peer.Short())
	}
	if err := ctx.Err(); err != nil {
		return verdict, fmt.Errorf("%w: answer for %s came too late: %w", ErrRejected, peer.Short(), err)
	}
	if err := s.trust.Remember(peer, key); err != nil {
		return verdict, fmt.Errorf("identity: remember %s: %w", peer.Short(), err)
	}
	return verdict, nil
}

// Authenticate is Verify without the verdict, for the handshake engine.
func (s *Service) Authenticate(ctx context.Context, peer domain.PeerID, key []byte) error {
	_, err := s.Verify(ctx, peer, key)
	return err
}
