package crypto

import (
	"crypto/rand"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "sessions.bolt")
	key, err := DerivePickleKey([]byte("test master secret"), []byte("test salt"))
	require.NoError(t, err)
	s, err := OpenStore(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	alice := mustIdentity(t)
	bob := mustIdentity(t)
	prekey, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)
	outbound, ephPub, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveSession("hub-1", outbound))

	loaded, err := s.LoadSession("hub-1", rand.Reader)
	require.NoError(t, err)

	ct := loaded.Encrypt(nil, []byte("after reload"))
	inbound, err := CreateInboundSession(rand.Reader, bob, prekey, alice.IdentityPub[:], ephPub[:])
	require.NoError(t, err)
	pt, err := inbound.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("after reload"), pt)
}

func TestStoreLegacyPlaintextFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.bolt")
	key, err := DerivePickleKey([]byte("m"), []byte("s"))
	require.NoError(t, err)

	alice := mustIdentity(t)
	bob := mustIdentity(t)
	_, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)
	outbound, _, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)
	plain, err := outbound.Marshal()
	require.NoError(t, err)

	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionsBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(keysBucket); err != nil {
			return err
		}
		return b.Put([]byte("legacy-hub"), plain)
	}))
	require.NoError(t, db.Close())

	s, err := OpenStore(path, key)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.LoadSession("legacy-hub", rand.Reader)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	// Saving now re-encrypts it under the current AES-GCM format.
	require.NoError(t, s.SaveSession("legacy-hub", loaded))
	reloaded, err := s.LoadSession("legacy-hub", rand.Reader)
	require.NoError(t, err)
	require.NotNil(t, reloaded)
}

func TestStoreLoadCorruptedRecordDeletesAndReportsNoSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.bolt")
	key, err := DerivePickleKey([]byte("m"), []byte("s"))
	require.NoError(t, err)

	db, err := bbolt.Open(path, 0600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionsBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(keysBucket); err != nil {
			return err
		}
		// Neither a valid AES-GCM record under key nor a valid legacy
		// CBOR ratchet pickle.
		return b.Put([]byte("junk-hub"), []byte("not a ratchet, not sealed either"))
	}))
	require.NoError(t, db.Close())

	s, err := OpenStore(path, key)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.LoadSession("junk-hub", rand.Reader)
	require.ErrorIs(t, err, ErrNoSession)

	// The corrupted record must be gone, not merely reported as missing.
	_, err = s.LoadSession("junk-hub", rand.Reader)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestStoreDeleteSession(t *testing.T) {
	s := openTestStore(t)
	alice := mustIdentity(t)
	bob := mustIdentity(t)
	_, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)
	outbound, _, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveSession("hub-x", outbound))
	require.NoError(t, s.DeleteSession("hub-x"))

	_, err = s.LoadSession("hub-x", rand.Reader)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestDerivePickleKeyDeterministic(t *testing.T) {
	k1, err := DerivePickleKey([]byte("secret"), []byte("salt"))
	require.NoError(t, err)
	k2, err := DerivePickleKey([]byte("secret"), []byte("salt"))
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := DerivePickleKey([]byte("other"), []byte("salt"))
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}
