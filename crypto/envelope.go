package crypto

import (
	"encoding/base64"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// EnvelopeType distinguishes the first message on a freshly-established
// outbound session (which must carry the initiator's ephemeral key
// material) from every subsequent message on that session.
type EnvelopeType uint8

const (
	EnvelopeTypePreKey EnvelopeType = 0
	EnvelopeTypeNormal EnvelopeType = 1
)

// Envelope is the wire form exchanged between peers: a type tag plus either
// a PreKeyMessage or a bare ratchet ciphertext.
type Envelope struct {
	Type       EnvelopeType   `cbor:"type" json:"type"`
	PreKey     *PreKeyMessage `cbor:"prekey,omitempty" json:"prekey,omitempty"`
	Ciphertext []byte         `cbor:"ciphertext,omitempty" json:"ciphertext,omitempty"`
}

// EncodeEnvelope serializes an Envelope to its binary (CBOR) wire form, the
// form used over the reliable-delivery transport.
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEnvelope parses an Envelope from its binary wire form.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return validateEnvelope(&e)
}

// jsonEnvelope mirrors Envelope but carries byte slices as base64 text, for
// the IPC and snapshot paths that move JSON rather than CBOR.
type jsonEnvelope struct {
	Type       EnvelopeType       `json:"type"`
	PreKey     *jsonPreKeyMessage `json:"prekey,omitempty"`
	Ciphertext string             `json:"ciphertext,omitempty"`
}

type jsonPreKeyMessage struct {
	InitiatorIdentityPub string `json:"initiator_identity_pub"`
	InitiatorEphemeral   string `json:"initiator_ephemeral"`
	Ciphertext           string `json:"ciphertext"`
}

// EncodeEnvelopeJSON serializes an Envelope to its JSON text form.
func EncodeEnvelopeJSON(e *Envelope) ([]byte, error) {
	je := jsonEnvelope{Type: e.Type, Ciphertext: base64.StdEncoding.EncodeToString(e.Ciphertext)}
	if e.PreKey != nil {
		je.PreKey = &jsonPreKeyMessage{
			InitiatorIdentityPub: base64.StdEncoding.EncodeToString(e.PreKey.InitiatorIdentityPub),
			InitiatorEphemeral:   base64.StdEncoding.EncodeToString(e.PreKey.InitiatorEphemeral),
			Ciphertext:           base64.StdEncoding.EncodeToString(e.PreKey.Ciphertext),
		}
	}
	return json.Marshal(je)
}

// DecodeEnvelopeJSON parses an Envelope from its JSON text form.
func DecodeEnvelopeJSON(b []byte) (*Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(b, &je); err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(je.Ciphertext)
	if err != nil {
		return nil, err
	}
	e := &Envelope{Type: je.Type, Ciphertext: ct}
	if je.PreKey != nil {
		idPub, err := base64.StdEncoding.DecodeString(je.PreKey.InitiatorIdentityPub)
		if err != nil {
			return nil, err
		}
		eph, err := base64.StdEncoding.DecodeString(je.PreKey.InitiatorEphemeral)
		if err != nil {
			return nil, err
		}
		pkct, err := base64.StdEncoding.DecodeString(je.PreKey.Ciphertext)
		if err != nil {
			return nil, err
		}
		e.PreKey = &PreKeyMessage{InitiatorIdentityPub: idPub, InitiatorEphemeral: eph, Ciphertext: pkct}
	}
	return validateEnvelope(e)
}

func validateEnvelope(e *Envelope) (*Envelope, error) {
	if e.Type != EnvelopeTypePreKey && e.Type != EnvelopeTypeNormal {
		return nil, ErrUnknownEnvelopeType
	}
	return e, nil
}
