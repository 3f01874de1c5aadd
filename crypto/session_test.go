package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustIdentity(t *testing.T) *IdentityKeyPair {
	id, err := GenerateIdentity(rand.Reader)
	require.NoError(t, err)
	return id
}

func TestSessionEstablishmentAndRoundTrip(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	prekey, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)

	outbound, ephPub, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)

	ct := outbound.Encrypt(nil, []byte("hello bob"))

	inbound, err := CreateInboundSession(rand.Reader, bob, prekey, alice.IdentityPub[:], ephPub[:])
	require.NoError(t, err)

	pt, err := inbound.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, []byte("hello bob"), pt)
}

func TestSessionBidirectionalAfterEstablishment(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	prekey, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)

	outbound, ephPub, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)
	ct1 := outbound.Encrypt(nil, []byte("first"))

	inbound, err := CreateInboundSession(rand.Reader, bob, prekey, alice.IdentityPub[:], ephPub[:])
	require.NoError(t, err)
	pt1, err := inbound.Decrypt(ct1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), pt1)

	// Bob replies on his already-established send chain.
	ct2 := inbound.Encrypt(nil, []byte("reply"))
	pt2, err := outbound.Decrypt(ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("reply"), pt2)

	// Alice's Decrypt of Bob's reply armed her next Encrypt to perform a
	// fresh DH ratchet step.
	ct3 := outbound.Encrypt(nil, []byte("second"))
	pt3, err := inbound.Decrypt(ct3)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), pt3)
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice := mustIdentity(t)
	bob := mustIdentity(t)

	prekey, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)

	outbound, ephPub, err := CreateOutboundSession(rand.Reader, alice, bundle, nil)
	require.NoError(t, err)
	ct1 := outbound.Encrypt(nil, []byte("one"))
	ct2 := outbound.Encrypt(nil, []byte("two"))

	inbound, err := CreateInboundSession(rand.Reader, bob, prekey, alice.IdentityPub[:], ephPub[:])
	require.NoError(t, err)

	pt2, err := inbound.Decrypt(ct2)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), pt2)

	pt1, err := inbound.Decrypt(ct1)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), pt1)
}

func TestBundleSignatureRejectsTampering(t *testing.T) {
	bob := mustIdentity(t)
	_, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)

	bundle.OneTimeKey[0] ^= 0xff
	require.ErrorIs(t, bundle.Verify(nil), ErrInvalidSignature)
}

func TestBundleIdentityPinningRejectsMismatch(t *testing.T) {
	bob := mustIdentity(t)
	attacker := mustIdentity(t)
	_, otPub, rkPub, err := GenerateOneTimePrekey(rand.Reader)
	require.NoError(t, err)
	bundle, err := bob.PublishBundle(otPub, rkPub)
	require.NoError(t, err)

	// Pinning compares against IdentityPub (the Curve25519 key a session is
	// actually keyed on), the same field bridge.go pins entry.trustedIdentity
	// against — not SigningKey, which rotates independently.
	require.ErrorIs(t, bundle.Verify(attacker.IdentityPub[:]), ErrIdentityMismatch)
	require.NoError(t, bundle.Verify(bob.IdentityPub[:]))
}
