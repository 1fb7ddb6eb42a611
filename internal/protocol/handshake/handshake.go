package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/protocol/session"
)

// ProtocolName is the full Noise protocol name.
const ProtocolName = "Noise_XX_25519_ChaChaPoly_BLAKE2s"

var (
	prologue = []byte("murmur/handshake/1")

	// confirmLabel is carried as the encrypted payload of messages 2 and 3.
	// A successful AEAD open of it confirms both sides hold the same keys.
	confirmLabel = []byte("murmur/confirm/1")

	protocol = &nyquist.Protocol{
		Pattern: pattern.XX,
		DH:      dh.X25519,
		Cipher:  cipher.ChaChaPoly,
		Hash:    hash.BLAKE2s,
	}
)

// Errors. All of them match domain.ErrHandshakeFailure.
var (
	ErrMalformed    = fmt.Errorf("%w: malformed message", domain.ErrHandshakeFailure)
	ErrConfirmation = fmt.Errorf("%w: key confirmation failed", domain.ErrHandshakeFailure)
	ErrOutOfOrder   = fmt.Errorf("%w: unexpected message", domain.ErrHandshakeFailure)
	ErrAborted      = fmt.Errorf("%w: aborted by peer", domain.ErrHandshakeFailure)
	ErrDiscarded    = fmt.Errorf("%w: state discarded", domain.ErrHandshakeFailure)
	ErrStepTimeout  = fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, domain.ErrTimeout)
)

// Verifier decides whether a peer's static key is acceptable. It may block
// on user interaction until ctx is done.
type Verifier interface {
	Authenticate(ctx context.Context, peer domain.PeerID, publicKey []byte) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, peer domain.PeerID, publicKey []byte) error

// Authenticate calls f.
func (f VerifierFunc) Authenticate(ctx context.Context, peer domain.PeerID, publicKey []byte) error {
	return f(ctx, peer, publicKey)
}

// State is one in-progress handshake attempt.
type State struct {
	role     Role
	peer     domain.PeerID
	verifier Verifier

	hs   *nyquist.HandshakeState
	step int
	sess *session.Session
	err  error
}

func newState(local *crypto.Identity, peer domain.PeerID, v Verifier, role Role) (*State, error) {
	kp, err := local.Keypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, err)
	}
	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:    protocol,
		Prologue:    prologue,
		DH:          &nyquist.DHConfig{LocalStatic: kp},
		Rng:         rand.Reader,
		IsInitiator: role == RoleInitiator,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, err)
	}
	return &State{role: role, peer: peer, verifier: v, hs: hs}, nil
}

// Initiate starts a handshake towards peer and returns message 1.
func Initiate(local *crypto.Identity, peer domain.PeerID, v Verifier) (*State, []byte, error) {
	s, err := newState(local, peer, v, RoleInitiator)
	if err != nil {
		return nil, nil, err
	}
	msg1, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, s.fail(err)
	}
	s.step = 1
	return s, msg1, nil
}

// Respond consumes message 1 from peer and returns message 2.
func Respond(_ context.Context, local *crypto.Identity, peer domain.PeerID, v Verifier, msg1 []byte) (*State, []byte, error) {
	s, err := newState(local, peer, v, RoleResponder)
	if err != nil {
		return nil, nil, err
	}
	if _, err = s.hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, s.fail(fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	s.step = 1
	msg2, err := s.hs.WriteMessage(nil, confirmLabel)
	if err != nil {
		return nil, nil, s.fail(err)
	}
	s.step = 2
	return s, msg2, nil
}

// Advance feeds the next incoming message into the state. The initiator
// gets message 3 back; the responder gets nil. Once Done reports true the
// session is ready.
func (s *State) Advance(ctx context.Context, in []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	switch {
	case s.role == RoleInitiator && s.step == 1:
		return s.onMessage2(ctx, in)
	case s.role == RoleResponder && s.step == 2:
		return nil, s.onMessage3(ctx, in)
	default:
		return nil, ErrOutOfOrder
	}
}

func (s *State) onMessage2(ctx context.Context, msg2 []byte) ([]byte, error) {
	payload, err := s.hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, s.fail(fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	s.step = 2
	if !bytes.Equal(payload, confirmLabel) {
		return nil, s.fail(ErrConfirmation)
	}
	remote := s.hs.GetStatus().DH.RemoteStatic
	if err := s.authenticate(ctx, remote); err != nil {
		return nil, s.fail(err)
	}

	msg3, err := s.hs.WriteMessage(nil, confirmLabel)
	if !errors.Is(err, nyquist.ErrDone) {
		if err == nil {
			err = ErrOutOfOrder
		}
		return nil, s.fail(err)
	}
	s.step = 3
	s.finish()
	return msg3, nil
}

func (s *State) onMessage3(ctx context.Context, msg3 []byte) error {
	payload, err := s.hs.ReadMessage(nil, msg3)
	switch {
	case errors.Is(err, nyquist.ErrDone):
	case err == nil:
		return s.fail(ErrOutOfOrder)
	default:
		return s.fail(fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	s.step = 3
	if !bytes.Equal(payload, confirmLabel) {
		return s.fail(ErrConfirmation)
	}
	remote := s.hs.GetStatus().DH.RemoteStatic
	if err := s.authenticate(ctx, remote); err != nil {
		return s.fail(err)
	}
	s.finish()
	return nil
}

func (s *State) authenticate(ctx context.Context, remote dh.PublicKey) error {
	if remote == nil {
		return ErrMalformed
	}
	if s.verifier == nil {
		return nil
	}
	if err := s.verifier.Authenticate(ctx, s.peer, remote.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, err)
	}
	return nil
}

func (s *State) finish() {
	st := s.hs.GetStatus()
	tx, rx := st.CipherStates[0], st.CipherStates[1]
	if s.role == RoleResponder {
		tx, rx = rx, tx
	}
	s.sess = session.New(s.peer, tx, rx, st.DH.RemoteStatic.Bytes(), st.HandshakeHash)
	s.hs.Reset()
}

// fail discards everything and latches err.
func (s *State) fail(err error) error {
	if !errors.Is(err, domain.ErrHandshakeFailure) {
		err = fmt.Errorf("%w: %w", domain.ErrHandshakeFailure, err)
	}
	s.Discard()
	s.err = err
	return err
}

// Discard drops the nyquist state, ephemeral private key and any derived but
// unclaimed cipher states. A discarded State cannot be advanced.
func (s *State) Discard() {
	if s.hs != nil {
		if st := s.hs.GetStatus(); st != nil && s.sess == nil {
			for _, cs := range st.CipherStates {
				if cs != nil {
					cs.Reset()
				}
			}
		}
		s.hs.Reset()
	}
	if s.err == nil && s.sess == nil {
		s.err = ErrDiscarded
	}
}

// Done reports whether the handshake completed.
func (s *State) Done() bool { return s.sess != nil && s.err == nil }

// Session returns the established session once Done.
func (s *State) Session() (*session.Session, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.sess == nil {
		return nil, ErrOutOfOrder
	}
	return s.sess, nil
}

// Role returns the local role.
func (s *State) Role() Role { return s.role }

// Peer returns the remote PeerID.
func (s *State) Peer() domain.PeerID { return s.peer }

// Step returns the number of handshake messages processed so far.
func (s *State) Step() int { return s.step }

// Err returns the latched failure, if any.
func (s *State) Err() error { return s.err }
