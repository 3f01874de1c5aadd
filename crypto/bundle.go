package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
)

// Bundle is the one-shot key material a peer publishes so that another peer
// can establish a session asynchronously, without either side needing to be
// online at the same time (an X3DH-style prekey bundle, rather than the
// interactive mutual handshake the ratchet this package is built from
// originally used). IdentityPub is this peer's long-term Curve25519 DH key;
// SigningKey is the Ed25519 key that signs the bundle. OneTimeKey and
// RatchetKey are both consumed by the first session built from this bundle
// and must not be reused: OneTimeKey feeds the triple-DH key agreement,
// RatchetKey becomes the initiator's starting point for the symmetric-key
// ratchet's DH step. Signature covers the CBOR encoding of every other
// field.
type Bundle struct {
	SigningKey  []byte `cbor:"signing_key"`
	IdentityPub []byte `cbor:"identity_key"`
	OneTimeKey  []byte `cbor:"one_time_key"`
	RatchetKey  []byte `cbor:"ratchet_key"`
	Signature   []byte `cbor:"signature"`
}

// signedBundle is the subset of Bundle that gets signed and transmitted,
// kept separate from Signature itself so Sign/Verify operate over a stable
// byte encoding.
type signedBundle struct {
	SigningKey  []byte `cbor:"signing_key"`
	IdentityPub []byte `cbor:"identity_key"`
	OneTimeKey  []byte `cbor:"one_time_key"`
	RatchetKey  []byte `cbor:"ratchet_key"`
}

// OneTimePrekey is the private half of a published Bundle's consumable
// keys, retained by the publisher until a peer's first PreKey envelope
// arrives and CreateInboundSession consumes it.
type OneTimePrekey struct {
	OneTimePriv [privateKeySize]byte
	RatchetPriv [privateKeySize]byte
}

// GenerateOneTimePrekey creates a fresh consumable key pair pair to publish
// in a Bundle.
func GenerateOneTimePrekey(rnd io.Reader) (*OneTimePrekey, [publicKeySize]byte, [publicKeySize]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	var otPriv, rkPriv [privateKeySize]byte
	if _, err := io.ReadFull(rnd, otPriv[:]); err != nil {
		return nil, [publicKeySize]byte{}, [publicKeySize]byte{}, err
	}
	if _, err := io.ReadFull(rnd, rkPriv[:]); err != nil {
		return nil, [publicKeySize]byte{}, [publicKeySize]byte{}, err
	}
	var otPub, rkPub [publicKeySize]byte
	curve25519.ScalarBaseMult(&otPub, &otPriv)
	curve25519.ScalarBaseMult(&rkPub, &rkPriv)
	return &OneTimePrekey{OneTimePriv: otPriv, RatchetPriv: rkPriv}, otPub, rkPub, nil
}

// IdentityKeyPair is a long-lived Curve25519 identity key pair used for the
// triple-DH key agreement, plus the Ed25519 signing key pair that
// authenticates bundles derived from it.
type IdentityKeyPair struct {
	IdentityPriv [privateKeySize]byte
	IdentityPub  [publicKeySize]byte
	SigningPriv  ed25519.PrivateKey
	SigningPub   ed25519.PublicKey
}

// GenerateIdentity creates a fresh long-term identity: an independent
// Curve25519 DH key pair and Ed25519 signing key pair. Keeping them
// independent (rather than deriving one from the other via a birational
// map) avoids needing the extra25519 conversion package the ratchet this
// code is adapted from relied on.
func GenerateIdentity(rnd io.Reader) (*IdentityKeyPair, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	signPub, signPriv, err := ed25519.GenerateKey(rnd)
	if err != nil {
		return nil, err
	}
	var idPriv [privateKeySize]byte
	if _, err := io.ReadFull(rnd, idPriv[:]); err != nil {
		return nil, err
	}
	var idPub [publicKeySize]byte
	curve25519.ScalarBaseMult(&idPub, &idPriv)

	return &IdentityKeyPair{
		IdentityPriv: idPriv,
		IdentityPub:  idPub,
		SigningPriv:  signPriv,
		SigningPub:   signPub,
	}, nil
}

// PublishBundle produces one signed, consumable Bundle from a one-time
// prekey pair's public halves.
func (id *IdentityKeyPair) PublishBundle(oneTimePub, ratchetPub [publicKeySize]byte) (*Bundle, error) {
	sb := signedBundle{
		SigningKey:  append([]byte(nil), id.SigningPub...),
		IdentityPub: append([]byte(nil), id.IdentityPub[:]...),
		OneTimeKey:  append([]byte(nil), oneTimePub[:]...),
		RatchetKey:  append([]byte(nil), ratchetPub[:]...),
	}
	enc, err := cbor.Marshal(sb)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(id.SigningPriv, enc)
	return &Bundle{
		SigningKey:  sb.SigningKey,
		IdentityPub: sb.IdentityPub,
		OneTimeKey:  sb.OneTimeKey,
		RatchetKey:  sb.RatchetKey,
		Signature:   sig,
	}, nil
}

// Verify checks the bundle's self-signature and, if pinned is non-nil, that
// the bundle's long-term identity key (IdentityPub, the Curve25519 key a
// session is actually keyed on) is bit-identical to pinned — anti-MITM
// pinning on refresh, per spec.md's Bundle invariant.
func (b *Bundle) Verify(pinned []byte) error {
	if len(b.SigningKey) != ed25519.PublicKeySize ||
		len(b.IdentityPub) != publicKeySize ||
		len(b.OneTimeKey) != publicKeySize ||
		len(b.RatchetKey) != publicKeySize ||
		len(b.Signature) != signatureSize {
		return ErrInvalidBundle
	}
	sb := signedBundle{SigningKey: b.SigningKey, IdentityPub: b.IdentityPub, OneTimeKey: b.OneTimeKey, RatchetKey: b.RatchetKey}
	enc, err := cbor.Marshal(sb)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(b.SigningKey), enc, b.Signature) {
		return ErrInvalidSignature
	}
	if pinned != nil && !keysEqual(pinned, b.IdentityPub) {
		return ErrIdentityMismatch
	}
	return nil
}

func keysEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
