package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var ErrLegacyPickleKeyFormat = errors.New("crypto: unrecognized pickle key export format")

// DerivePickleKey expands a master secret (e.g. a user passphrase already
// run through a slow KDF by the caller, or a key held in an OS keychain)
// into the 32-byte AES-256-GCM key Store uses, via HKDF-SHA256 with a
// fixed, store-specific info string so the same master secret can't be
// reused to derive keys for unrelated purposes.
func DerivePickleKey(masterSecret, salt []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, masterSecret, salt, []byte("ratchethub pickle key v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, err
	}
	return key, nil
}

// legacyJWK is the handful of fields a legacy-exported symmetric JWK
// carries; every other JWK field is ignored.
type legacyJWK struct {
	Kty string `json:"kty"`
	K    string `json:"k"`
}

// ImportLegacyPickleKey accepts a previously-exported pickle key in its old
// JWK-ish export form ({"kty":"oct","k":"<base64url, no padding>"}) and
// returns the raw 32-byte key, for migrating a store created before the
// current HKDF-based derivation.
func ImportLegacyPickleKey(exported []byte) ([]byte, error) {
	var jwk legacyJWK
	if err := json.Unmarshal(exported, &jwk); err != nil || jwk.Kty != "oct" {
		return nil, ErrLegacyPickleKeyFormat
	}
	key, err := base64.RawURLEncoding.DecodeString(jwk.K)
	if err != nil || len(key) != 32 {
		return nil, ErrLegacyPickleKeyFormat
	}
	return key, nil
}
