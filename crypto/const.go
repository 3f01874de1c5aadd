// Package crypto implements the per-hub end-to-end encryption layer: an
// axolotl-style double ratchet (forward-secret chain keys, periodic
// Diffie-Hellman re-keying, encrypted headers) bootstrapped by a one-shot
// X3DH-style key bundle instead of the interactive handshake the ratchet
// algorithm was originally paired with.
package crypto

import (
	"errors"
	"time"
)

// Wire sizes, following the same layout the axolotl ratchet this package
// descends from has always used: a 32-byte key/nonce-derived material size,
// a 24-byte secretbox nonce, and a 64-byte ed25519 signature.
const (
	keySize               = 32
	publicKeySize         = 32
	privateKeySize        = 32
	signatureSize         = 64
	nonceSize             = 24
	sharedKeySize         = 32
	messageKeySize        = 32
	receivingChainKeySize = 32

	// headerSize = counter(4) + prevCounter(4) + ratchet public key(32) + message nonce(24).
	headerSize          = 4 + 4 + 32 + 24
	nonceInHeaderOffset = 8 + 32

	// sealedHeaderSize = header nonce(24) + secretbox-sealed header(headerSize+16 overhead).
	secretboxOverhead = 16
	sealedHeaderSize  = nonceSize + headerSize + secretboxOverhead

	// MaxMissingMessages bounds how many skipped message keys a chain will
	// hold onto at once, so a dropped or out-of-order burst can't be used
	// to exhaust memory.
	MaxMissingMessages = 2000

	// RatchetKeyMaxLifetime bounds how long an unused skipped-message key
	// is retained before Marshal drops it.
	RatchetKeyMaxLifetime = 4 * 7 * 24 * time.Hour
)

var (
	ErrDuplicateOrDelayed             = errors.New("crypto: duplicate message or message delayed past tolerance")
	ErrCannotDecrypt                  = errors.New("crypto: cannot decrypt message")
	ErrIncorrectHeaderSize            = errors.New("crypto: incorrect header size")
	ErrSerialisedKeyLength            = errors.New("crypto: bad serialised key length")
	ErrMessageExceedsReorderingLimit  = errors.New("crypto: message exceeds reordering limit")
	ErrCorruptMessage                 = errors.New("crypto: corrupt message")
	ErrInvalidSignature               = errors.New("crypto: invalid bundle signature")
	ErrInvalidBundle                  = errors.New("crypto: malformed key bundle")
	ErrNoSession                      = errors.New("crypto: no session established for this hub")
	ErrIdentityMismatch               = errors.New("crypto: peer identity key does not match the pinned identity")
	ErrUnknownEnvelopeType            = errors.New("crypto: unknown envelope message type")
)
