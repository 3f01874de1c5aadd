package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
)

// PreKeyMessage is the payload of the very first envelope an initiator
// sends on a freshly-established outbound session: the responder cannot
// derive the shared secret without it, since it carries the initiator's own
// ephemeral Curve25519 public keys alongside the first ciphertext.
type PreKeyMessage struct {
	InitiatorIdentityPub []byte
	InitiatorEphemeral   []byte
	Ciphertext           []byte
}

// CreateOutboundSession consumes peerBundle and derives a fresh Ratchet as
// the initiator: the side that found a published bundle and is speaking
// first. It returns the ratchet plus the initiator's ephemeral public key,
// which must accompany the first message (see PreKeyMessage) so the
// responder can complete its side with CreateInboundSession.
func CreateOutboundSession(rnd io.Reader, my *IdentityKeyPair, peerBundle *Bundle, pinned []byte) (*Ratchet, [publicKeySize]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var zero [publicKeySize]byte
	if err := peerBundle.Verify(pinnedKey(pinned)); err != nil {
		return nil, zero, err
	}

	var ephPriv [privateKeySize]byte
	if _, err := io.ReadFull(rnd, ephPriv[:]); err != nil {
		return nil, zero, err
	}
	var ephPub [publicKeySize]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var peerIdentity, peerOneTime, peerRatchet [publicKeySize]byte
	copy(peerIdentity[:], peerBundle.IdentityPub)
	copy(peerOneTime[:], peerBundle.OneTimeKey)
	copy(peerRatchet[:], peerBundle.RatchetKey)

	// Triple DH: DH(ephemeral, peerOneTime) || DH(myIdentity, peerOneTime) || DH(ephemeral, peerIdentity).
	keyMaterial := make([]byte, 0, sharedKeySize*3)
	var shared [sharedKeySize]byte

	curve25519.ScalarMult(&shared, &ephPriv, &peerOneTime)
	keyMaterial = append(keyMaterial, shared[:]...)
	curve25519.ScalarMult(&shared, &my.IdentityPriv, &peerOneTime)
	keyMaterial = append(keyMaterial, shared[:]...)
	curve25519.ScalarMult(&shared, &ephPriv, &peerIdentity)
	keyMaterial = append(keyMaterial, shared[:]...)

	r := newRatchet(rnd)
	r.establishFromKeyMaterial(keyMaterial, true, &peerRatchet, nil)

	return r, ephPub, nil
}

// CreateInboundSession completes the responder's side once the initiator's
// PreKeyMessage arrives. prekey is the private half of the Bundle this
// initiator consumed; it must be discarded (not reused) after this call.
func CreateInboundSession(rnd io.Reader, my *IdentityKeyPair, prekey *OneTimePrekey, initiatorIdentityPub, initiatorEphemeral []byte) (*Ratchet, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if len(initiatorIdentityPub) != publicKeySize || len(initiatorEphemeral) != publicKeySize {
		return nil, ErrInvalidBundle
	}
	var peerIdentity, peerEphemeral [publicKeySize]byte
	copy(peerIdentity[:], initiatorIdentityPub)
	copy(peerEphemeral[:], initiatorEphemeral)

	// Mirror of the initiator's three DH computations, from the responder's
	// side: DH(myOneTime, peerEphemeral) || DH(myOneTime, peerIdentity) || DH(myIdentity, peerEphemeral).
	keyMaterial := make([]byte, 0, sharedKeySize*3)
	var shared [sharedKeySize]byte

	curve25519.ScalarMult(&shared, &prekey.OneTimePriv, &peerEphemeral)
	keyMaterial = append(keyMaterial, shared[:]...)
	curve25519.ScalarMult(&shared, &prekey.OneTimePriv, &peerIdentity)
	keyMaterial = append(keyMaterial, shared[:]...)
	curve25519.ScalarMult(&shared, &my.IdentityPriv, &peerEphemeral)
	keyMaterial = append(keyMaterial, shared[:]...)

	r := newRatchet(rnd)
	rk := prekey.RatchetPriv
	r.establishFromKeyMaterial(keyMaterial, false, nil, &rk)

	return r, nil
}

func pinnedKey(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
