package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/katzenpost/nyquist"

	"murmur/internal/domain"
)

const (
	// NonceSize is the length of the cleartext counter prefix.
	NonceSize = 8

	// Overhead is the number of bytes Encrypt adds to a plaintext.
	Overhead = NonceSize + 16

	// MaxPlaintext keeps a data packet, including its type byte, within the
	// 64KB transport frame limit.
	MaxPlaintext = 65536 - 1 - Overhead
)

var (
	// ErrTampered is the umbrella for every authentication failure.
	ErrTampered = errors.New("session: message failed authentication")

	// ErrReplay is returned for a nonce that was already accepted.
	ErrReplay = fmt.Errorf("%w: replayed nonce", ErrTampered)

	// ErrNonceWindow is returned for a nonce outside the receive window.
	ErrNonceWindow = fmt.Errorf("%w: nonce outside window", ErrTampered)

	// ErrNonceExhausted is returned once the send counter reaches its limit.
	// A new handshake is the only way forward.
	ErrNonceExhausted = errors.New("session: send nonce exhausted")

	// ErrTooLarge is returned for plaintexts above MaxPlaintext.
	ErrTooLarge = errors.New("session: plaintext too large")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Session is an established secure channel with one peer.
type Session struct {
	peer      domain.PeerID
	remoteKey []byte
	hash      []byte

	txMu    sync.Mutex
	tx      *nyquist.CipherState
	txNonce uint64

	rxMu sync.Mutex
	rx   *nyquist.CipherState
	win  window

	closeOnce sync.Once
}

// New wraps a pair of keyed cipher states. The session takes ownership of
// both and resets them on Close.
func New(peer domain.PeerID, tx, rx *nyquist.CipherState, remoteKey, handshakeHash []byte) *Session {
	return &Session{
		peer:      peer,
		remoteKey: append([]byte(nil), remoteKey...),
		hash:      append([]byte(nil), handshakeHash...),
		tx:        tx,
		rx:        rx,
		win:       newWindow(),
	}
}

// Peer returns the remote PeerID.
func (s *Session) Peer() domain.PeerID { return s.peer }

// RemoteKey returns the remote static public key authenticated by the
// handshake.
func (s *Session) RemoteKey() []byte { return append([]byte(nil), s.remoteKey...) }

// HandshakeHash returns the Noise transcript hash, usable as a channel
// binding. It is not secret.
func (s *Session) HandshakeHash() []byte { return append([]byte(nil), s.hash...) }

// Received reports whether at least one packet from the peer has
// authenticated under this session.
func (s *Session) Received() bool {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	return !s.win.fresh
}

// Encrypt seals plaintext under the next send nonce.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintext {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(plaintext))
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	if s.tx == nil {
		return nil, ErrClosed
	}
	if s.txNonce == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}

	n := s.txNonce
	var hdr [NonceSize]byte
	binary.BigEndian.PutUint64(hdr[:], n)

	out := make([]byte, NonceSize, len(plaintext)+Overhead)
	copy(out, hdr[:])

	s.tx.SetNonce(n)
	out, err := s.tx.EncryptWithAd(out, hdr[:], plaintext)
	if err != nil {
		if errors.Is(err, nyquist.ErrNonceExhausted) {
			return nil, ErrNonceExhausted
		}
		return nil, fmt.Errorf("session: encrypt: %w", err)
	}
	s.txNonce = n + 1
	return out, nil
}

// Decrypt authenticates and opens a ciphertext produced by the peer's
// Encrypt. Window state only advances once authentication succeeded, so a
// forged packet cannot burn a legitimate nonce.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: truncated", ErrTampered)
	}
	var hdr [NonceSize]byte
	copy(hdr[:], ciphertext[:NonceSize])
	n := binary.BigEndian.Uint64(hdr[:])

	s.rxMu.Lock()
	defer s.rxMu.Unlock()

	if s.rx == nil {
		return nil, ErrClosed
	}
	if n == math.MaxUint64 {
		return nil, fmt.Errorf("%w: reserved nonce", ErrNonceWindow)
	}
	if err := s.win.check(n); err != nil {
		return nil, err
	}

	s.rx.SetNonce(n)
	plaintext, err := s.rx.DecryptWithAd(nil, hdr[:], ciphertext[NonceSize:])
	if err != nil {
		return nil, ErrTampered
	}
	s.win.accept(n)
	return plaintext, nil
}

// Close wipes both cipher states.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.txMu.Lock()
		if s.tx != nil {
			s.tx.Reset()
			s.tx = nil
		}
		s.txMu.Unlock()

		s.rxMu.Lock()
		if s.rx != nil {
			s.rx.Reset()
			s.rx = nil
		}
		s.rxMu.Unlock()
	})
}

// Code returns a short, non-sensitive label for a session error, suitable
// for logs.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrNonceWindow):
		return "nonce_window"
	case errors.Is(err, ErrTampered):
		return "tampered"
	case errors.Is(err, ErrNonceExhausted):
		return "nonce_exhausted"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}
