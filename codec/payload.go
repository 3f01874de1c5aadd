package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
)

// PayloadKind classifies a decrypted payload by its leading compression marker.
type PayloadKind byte

const (
	// PayloadRaw indicates an uncompressed byte payload follows.
	PayloadRaw PayloadKind = 0x00
	// PayloadTerminal indicates raw terminal bytes (direct PTY output).
	PayloadTerminal PayloadKind = 0x01
	// PayloadGzipJSON indicates a gzip-compressed UTF-8 JSON body.
	PayloadGzipJSON PayloadKind = 0x1f
	// PayloadLegacyJSON is synthesized for any other leading byte: the
	// whole buffer, including that byte, is UTF-8 JSON.
	PayloadLegacyJSON PayloadKind = 0xff
)

// DecodePayload inspects the leading compression marker of a decrypted
// payload and returns its kind plus the decoded body. For PayloadGzipJSON the
// body is gunzipped; for everything else the body is returned as-is (minus
// the marker byte, except for the legacy-JSON case where no marker exists).
func DecodePayload(b []byte) (PayloadKind, []byte, error) {
	if len(b) == 0 {
		return PayloadRaw, nil, nil
	}
	switch PayloadKind(b[0]) {
	case PayloadRaw:
		return PayloadRaw, b[1:], nil
	case PayloadTerminal:
		return PayloadTerminal, b[1:], nil
	case PayloadGzipJSON:
		zr, err := gzip.NewReader(bytes.NewReader(b[1:]))
		if err != nil {
			return PayloadGzipJSON, nil, err
		}
		defer zr.Close()
		body, err := io.ReadAll(zr)
		if err != nil {
			return PayloadGzipJSON, nil, err
		}
		return PayloadGzipJSON, body, nil
	default:
		return PayloadLegacyJSON, b, nil
	}
}

// EncodeRaw prefixes payload with the "no compression" marker.
func EncodeRaw(payload []byte) []byte {
	return append([]byte{byte(PayloadRaw)}, payload...)
}

// EncodeTerminal prefixes payload with the "raw terminal bytes" marker.
func EncodeTerminal(payload []byte) []byte {
	return append([]byte{byte(PayloadTerminal)}, payload...)
}

// EncodeGzipJSON marshals v to JSON, gzips it, and prefixes the gzip marker.
func EncodeGzipJSON(v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(byte(PayloadGzipJSON))
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
