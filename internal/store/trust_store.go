package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"murmur/internal/domain"
)

const (
	metadataBucket = "metadata"
	peersBucket    = "known_peers"
	versionKey     = "version"
	schemaVersion  = 0

	// PublicKeySize is the length of a cached X25519 public key.
	PublicKeySize = 32

	recordSize = PublicKeySize + 8
)

var (
	// ErrBadKey is returned for a public key of the wrong length.
	ErrBadKey = errors.New("store: public key must be 32 bytes")

	// ErrCorrupt is returned when a stored record cannot be decoded.
	ErrCorrupt = errors.New("store: corrupt trust record")
)

// BoltTrustStore persists peer public keys in a bbolt file. Each record is
// the 32-byte key followed by the first-seen time as big-endian unix
// seconds.
type BoltTrustStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenTrustStore creates or opens the trust cache at path. Missing parent
// directories are created owner-only.
func OpenTrustStore(path string) (*BoltTrustStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(peersBucket)); err != nil {
			return err
		}
		if v := meta.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != schemaVersion {
				return fmt.Errorf("store: incompatible trust store version: %v", v)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltTrustStore{db: db, now: time.Now}, nil
}

func encodeRecord(key []byte, firstSeen time.Time) []byte {
	b := make([]byte, recordSize)
	copy(b, key)
	binary.BigEndian.PutUint64(b[PublicKeySize:], uint64(firstSeen.Unix()))
	return b
}

func decodeRecord(peer domain.PeerID, v []byte) (domain.TrustEntry, error) {
	if len(v) != recordSize {
		return domain.TrustEntry{}, fmt.Errorf("%w for %s", ErrCorrupt, peer.Short())
	}
	return domain.TrustEntry{
		Peer:      peer,
		PublicKey: append([]byte(nil), v[:PublicKeySize]...),
		FirstSeen: time.Unix(int64(binary.BigEndian.Uint64(v[PublicKeySize:])), 0),
	}, nil
}

// Lookup returns the cached key for peer.
func (s *BoltTrustStore) Lookup(peer domain.PeerID) ([]byte, bool, error) {
	var (
		key   []byte
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(peersBucket)).Get([]byte(peer))
		if v == nil {
			return nil
		}
		e, err := decodeRecord(peer, v)
		if err != nil {
			return err
		}
		key, found = e.PublicKey, true
		return nil
	})
	return key, found, err
}

// Remember stores key for peer. Re-remembering the same key keeps the
// original first-seen time.
func (s *BoltTrustStore) Remember(peer domain.PeerID, key []byte) error {
	if len(key) != PublicKeySize {
		return ErrBadKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(peersBucket))
		firstSeen := s.now()
		if v := bkt.Get([]byte(peer)); v != nil {
			if e, err := decodeRecord(peer, v); err == nil && bytes.Equal(e.PublicKey, key) {
				firstSeen = e.FirstSeen
			}
		}
		return bkt.Put([]byte(peer), encodeRecord(key, firstSeen))
	})
}

// Forget drops peer from the cache.
func (s *BoltTrustStore) Forget(peer domain.PeerID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Delete([]byte(peer))
	})
}

// List returns every entry in PeerID order.
func (s *BoltTrustStore) List() ([]domain.TrustEntry, error) {
	var out []domain.TrustEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(k, v []byte) error {
			e, err := decodeRecord(domain.PeerID(k), v)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Close syncs and closes the database.
func (s *BoltTrustStore) Close() error {
	_ = s.db.Sync()
	return s.db.Close()
}

// Compile-time assertion that BoltTrustStore implements domain.TrustStore.
var _ domain.TrustStore = (*BoltTrustStore)(nil)
