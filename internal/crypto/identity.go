package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/nyquist/dh"

	"murmur/internal/domain"
)

// ErrDestroyed is returned when a destroyed identity is used.
var ErrDestroyed = errors.New("crypto: identity destroyed")

// Identity is the long-term X25519 keypair of the local process.
type Identity struct {
	mu        sync.RWMutex
	kp        dh.Keypair
	pub       []byte
	id        domain.PeerID
	destroyed bool
}

// GenerateIdentity returns a fresh identity. A nil rng means crypto/rand.
func GenerateIdentity(rng io.Reader) (*Identity, error) {
	if rng == nil {
		rng = rand.Reader
	}
	kp, err := dh.X25519.GenerateKeypair(rng)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate identity: %w", err)
	}
	pub := append([]byte(nil), kp.Public().Bytes()...)
	return &Identity{
		kp:  kp,
		pub: pub,
		id:  PeerIDFromPublicKey(pub),
	}, nil
}

// PeerID returns the identifier derived from the public key.
func (i *Identity) PeerID() domain.PeerID { return i.id }

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() []byte { return append([]byte(nil), i.pub...) }

// Fingerprint returns the human-readable fingerprint of the public key.
func (i *Identity) Fingerprint() domain.Fingerprint { return Fingerprint(i.pub) }

// Keypair exposes the DH keypair to the handshake engine.
func (i *Identity) Keypair() (dh.Keypair, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.destroyed {
		return nil, ErrDestroyed
	}
	return i.kp, nil
}

// Destroy drops the private scalar. The identity is unusable afterwards.
func (i *Identity) Destroy() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return
	}
	i.kp.DropPrivate()
	i.destroyed = true
}

// String returns only the PeerID.
func (i *Identity) String() string { return "Identity(" + i.id.String() + ")" }

// Format makes every fmt verb, including %#v, print only the PeerID.
func (i *Identity) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, i.String())
}

// ParsePublicKey validates a peer's X25519 public key.
func ParsePublicKey(b []byte) (dh.PublicKey, error) {
	return dh.X25519.ParsePublicKey(b)
}
