package ipc

import (
	"errors"

	"github.com/ratchethub/ratchethub/crypto"
)

// errorCode maps an internal error to the taxonomy string from spec.md §7,
// for the wire response. Unrecognized errors fall back to "ratchet_failure",
// matching the "underlying decrypt raised" catch-all.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, crypto.ErrInvalidSignature):
		return "signature_invalid"
	case errors.Is(err, crypto.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, crypto.ErrInvalidBundle):
		return "bundle_malformed"
	case errors.Is(err, crypto.ErrNoSession):
		return "no_session"
	default:
		return "ratchet_failure"
	}
}

// asError reconstructs a sentinel-comparable error from a wire error code,
// for the client side to return something callers can errors.Is against.
func asError(code, message string) error {
	switch code {
	case "signature_invalid":
		return crypto.ErrInvalidSignature
	case "identity_mismatch":
		return crypto.ErrIdentityMismatch
	case "bundle_malformed":
		return crypto.ErrInvalidBundle
	case "no_session":
		return crypto.ErrNoSession
	default:
		return errors.New("ipc: " + code + ": " + message)
	}
}
