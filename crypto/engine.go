package crypto

import (
	"crypto/rand"
	"io"
	"sync"
)

// pendingPrekey is a locally-generated one-time prekey that has been
// published in a Bundle but not yet consumed by an inbound PreKey envelope.
type pendingPrekey struct {
	prekey *OneTimePrekey
}

// hubSession holds the live ratchet state for one hub, once established.
type hubSession struct {
	ratchet        *Ratchet
	peerIdentity   []byte
	peerSigningPub []byte

	// pendingEphemeral is set for a freshly-created outbound session and
	// consumed by the next Encrypt call, which must wrap the first
	// ciphertext in a PreKey envelope so the responder can complete its
	// side of the handshake.
	pendingEphemeral []byte
}

// Engine is the crypto engine's in-memory session table: one ratchet per
// hub, serialized by a per-hub FIFO ticket lock so concurrent
// encrypt/decrypt calls for the same hub never interleave, while different
// hubs proceed fully in parallel.
type Engine struct {
	identity *IdentityKeyPair
	store    *Store
	rnd      io.Reader

	tableMu sync.Mutex
	locks   map[string]chan struct{}
	pending map[string]*pendingPrekey
	sessions map[string]*hubSession
}

// NewEngine constructs an Engine around a long-term identity. store may be
// nil, in which case sessions live only in memory for the process lifetime.
func NewEngine(identity *IdentityKeyPair, store *Store) *Engine {
	return &Engine{
		identity: identity,
		store:    store,
		rnd:      rand.Reader,
		locks:    make(map[string]chan struct{}),
		pending:  make(map[string]*pendingPrekey),
		sessions: make(map[string]*hubSession),
	}
}

// lockFor returns the FIFO ticket channel for hub, creating it if absent.
// A buffered channel of size 1, pre-loaded with a single token, serializes
// callers in the order the Go runtime wakes blocked receivers: first in,
// first out, unlike sync.Mutex which makes no such guarantee.
func (e *Engine) lockFor(hub string) chan struct{} {
	e.tableMu.Lock()
	defer e.tableMu.Unlock()
	ch, ok := e.locks[hub]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		e.locks[hub] = ch
	}
	return ch
}

func (e *Engine) acquire(hub string) func() {
	ch := e.lockFor(hub)
	<-ch
	return func() { ch <- struct{}{} }
}

// IdentityKey returns this engine's long-term Curve25519 identity public key,
// the stable identifier a peer pins against future bundles.
func (e *Engine) IdentityKey() []byte {
	return append([]byte(nil), e.identity.IdentityPub[:]...)
}

// PublishBundle generates a fresh one-time prekey for hub and returns the
// signed Bundle to hand to the peer. The prekey's private half is retained
// until a PreKey envelope consumes it via Decrypt.
func (e *Engine) PublishBundle(hub string) (*Bundle, error) {
	release := e.acquire(hub)
	defer release()

	prekey, otPub, rkPub, err := GenerateOneTimePrekey(e.rnd)
	if err != nil {
		return nil, err
	}
	bundle, err := e.identity.PublishBundle(otPub, rkPub)
	if err != nil {
		return nil, err
	}

	e.tableMu.Lock()
	e.pending[hub] = &pendingPrekey{prekey: prekey}
	e.tableMu.Unlock()

	return bundle, nil
}

// CreateSession establishes an outbound session for hub from a peer's
// published Bundle, pinning the peer's identity key against pinnedIdentity
// if non-nil. If hub already has a session, this is a refresh: the bundle's
// signature and pinned identity are still checked (fails identity_mismatch,
// leaving the prior session untouched, if pinnedIdentity disagrees with the
// new bundle), but on success the prior session is dropped and replaced —
// CreateSession never rejects a same-identity second call, only a
// mismatched one. Returns the initiator ephemeral public key that must
// accompany the first PreKey envelope sent on this session.
func (e *Engine) CreateSession(hub string, peerBundle *Bundle, pinnedIdentity []byte) ([]byte, error) {
	release := e.acquire(hub)
	defer release()

	ratchet, ephPub, err := CreateOutboundSession(e.rnd, e.identity, peerBundle, pinnedIdentity)
	if err != nil {
		return nil, err
	}

	e.tableMu.Lock()
	e.sessions[hub] = &hubSession{
		ratchet:          ratchet,
		peerIdentity:     peerBundle.IdentityPub,
		peerSigningPub:   peerBundle.SigningKey,
		pendingEphemeral: append([]byte(nil), ephPub[:]...),
	}
	e.tableMu.Unlock()

	if e.store != nil {
		if err := e.store.SaveSession(hub, ratchet); err != nil {
			return nil, err
		}
	}

	return ephPub, nil
}

func (e *Engine) sessionLocked(hub string) (*hubSession, bool) {
	e.tableMu.Lock()
	defer e.tableMu.Unlock()
	s, ok := e.sessions[hub]
	return s, ok
}

// HasSession reports whether hub has a live, established ratchet.
func (e *Engine) HasSession(hub string) bool {
	_, ok := e.sessionLocked(hub)
	return ok
}

// Encrypt seals plaintext for hub and returns a CBOR-encoded Envelope ready
// for transport. The session must already be established (via CreateSession
// or a prior inbound PreKey envelope).
func (e *Engine) Encrypt(hub string, plaintext []byte) ([]byte, error) {
	release := e.acquire(hub)
	defer release()

	sess, ok := e.sessionLocked(hub)
	if !ok {
		return nil, ErrNoSession
	}
	ct := sess.ratchet.Encrypt(nil, plaintext)
	if e.store != nil {
		if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
			return nil, err
		}
	}

	if sess.pendingEphemeral != nil {
		eph := sess.pendingEphemeral
		e.tableMu.Lock()
		sess.pendingEphemeral = nil
		e.tableMu.Unlock()
		return EncodeEnvelope(&Envelope{
			Type: EnvelopeTypePreKey,
			PreKey: &PreKeyMessage{
				InitiatorIdentityPub: append([]byte(nil), e.identity.IdentityPub[:]...),
				InitiatorEphemeral:   eph,
				Ciphertext:           ct,
			},
		})
	}
	return EncodeEnvelope(&Envelope{Type: EnvelopeTypeNormal, Ciphertext: ct})
}

// Decrypt opens an inbound Envelope for hub. If it is a PreKey envelope and
// no session yet exists, it first consumes the locally-retained one-time
// prekey via CreateInboundSession.
func (e *Engine) Decrypt(hub string, envelope []byte) ([]byte, error) {
	release := e.acquire(hub)
	defer release()

	env, err := DecodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	sess, ok := e.sessionLocked(hub)
	if !ok {
		if env.Type != EnvelopeTypePreKey || env.PreKey == nil {
			return nil, ErrNoSession
		}
		e.tableMu.Lock()
		pp, hasPending := e.pending[hub]
		e.tableMu.Unlock()
		if !hasPending {
			return nil, ErrNoSession
		}
		ratchet, err := CreateInboundSession(e.rnd, e.identity, pp.prekey, env.PreKey.InitiatorIdentityPub, env.PreKey.InitiatorEphemeral)
		if err != nil {
			return nil, err
		}
		sess = &hubSession{ratchet: ratchet, peerIdentity: env.PreKey.InitiatorIdentityPub}
		e.tableMu.Lock()
		e.sessions[hub] = sess
		delete(e.pending, hub)
		e.tableMu.Unlock()

		plaintext, err := sess.ratchet.Decrypt(env.PreKey.Ciphertext)
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
				return nil, err
			}
		}
		return plaintext, nil
	}

	ciphertext := env.Ciphertext
	if env.Type == EnvelopeTypePreKey && env.PreKey != nil {
		ciphertext = env.PreKey.Ciphertext
	}
	plaintext, err := sess.ratchet.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// EncryptBinary seals plaintext for hub and returns the binary frame layout
// used on the peer data channel:
// [msg_type:1][sender_key:32 if type=0][ephemeral:32 if type=0][ciphertext].
// Semantics otherwise match Encrypt.
func (e *Engine) EncryptBinary(hub string, plaintext []byte) ([]byte, error) {
	release := e.acquire(hub)
	defer release()

	sess, ok := e.sessionLocked(hub)
	if !ok {
		return nil, ErrNoSession
	}
	ct := sess.ratchet.Encrypt(nil, plaintext)
	if e.store != nil {
		if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
			return nil, err
		}
	}

	if sess.pendingEphemeral != nil {
		eph := sess.pendingEphemeral
		e.tableMu.Lock()
		sess.pendingEphemeral = nil
		e.tableMu.Unlock()
		// PreKey binary frames carry the initiator's ephemeral public key
		// immediately after sender_key, ahead of the ciphertext proper: the
		// responder cannot derive the session without it, same as the
		// envelope form's PreKeyMessage.InitiatorEphemeral.
		out := make([]byte, 0, 1+publicKeySize+publicKeySize+len(ct))
		out = append(out, byte(EnvelopeTypePreKey))
		out = append(out, e.identity.IdentityPub[:]...)
		out = append(out, eph...)
		out = append(out, ct...)
		return out, nil
	}
	out := make([]byte, 0, 1+len(ct))
	out = append(out, byte(EnvelopeTypeNormal))
	out = append(out, ct...)
	return out, nil
}

// DecryptBinary opens an inbound binary frame for hub. For msg_type==0 it
// first tries the existing session (the peer may have independently resent a
// PreKey to an already-established session); on failure, or when no session
// exists at all, it creates a new inbound session from the locally-retained
// one-time prekey.
func (e *Engine) DecryptBinary(hub string, frame []byte) ([]byte, error) {
	release := e.acquire(hub)
	defer release()

	if len(frame) < 1 {
		return nil, ErrCorruptMessage
	}
	msgType := EnvelopeType(frame[0])
	rest := frame[1:]

	sess, ok := e.sessionLocked(hub)
	if msgType == EnvelopeTypePreKey {
		if len(rest) < publicKeySize+publicKeySize {
			return nil, ErrCorruptMessage
		}
		senderKey := rest[:publicKeySize]
		ephemeral := rest[publicKeySize : publicKeySize+publicKeySize]
		ciphertext := rest[publicKeySize+publicKeySize:]

		if ok {
			if plaintext, err := sess.ratchet.Decrypt(ciphertext); err == nil {
				if e.store != nil {
					if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
						return nil, err
					}
				}
				return plaintext, nil
			}
		}

		e.tableMu.Lock()
		pp, hasPending := e.pending[hub]
		e.tableMu.Unlock()
		if !hasPending {
			return nil, ErrNoSession
		}
		ratchet, err := CreateInboundSession(e.rnd, e.identity, pp.prekey, senderKey, ephemeral)
		if err != nil {
			return nil, err
		}
		plaintext, err := ratchet.Decrypt(ciphertext)
		if err != nil {
			return nil, err
		}
		newSess := &hubSession{ratchet: ratchet, peerIdentity: append([]byte(nil), senderKey...)}
		e.tableMu.Lock()
		e.sessions[hub] = newSess
		delete(e.pending, hub)
		e.tableMu.Unlock()
		if e.store != nil {
			if err := e.store.SaveSession(hub, ratchet); err != nil {
				return nil, err
			}
		}
		return plaintext, nil
	}

	if !ok {
		return nil, ErrNoSession
	}
	plaintext, err := sess.ratchet.Decrypt(rest)
	if err != nil {
		return nil, err
	}
	if e.store != nil {
		if err := e.store.SaveSession(hub, sess.ratchet); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// ClearSession discards the in-memory (and, if a store is attached,
// persisted) ratchet state for hub.
func (e *Engine) ClearSession(hub string) {
	release := e.acquire(hub)
	defer release()

	e.tableMu.Lock()
	sess, ok := e.sessions[hub]
	delete(e.sessions, hub)
	delete(e.pending, hub)
	e.tableMu.Unlock()

	if ok {
		sess.ratchet.Destroy()
	}
	if e.store != nil {
		_ = e.store.DeleteSession(hub)
	}
}

// ClearAllSessions discards every hub's session state.
func (e *Engine) ClearAllSessions() {
	e.tableMu.Lock()
	hubs := make([]string, 0, len(e.sessions))
	for hub := range e.sessions {
		hubs = append(hubs, hub)
	}
	e.tableMu.Unlock()

	for _, hub := range hubs {
		e.ClearSession(hub)
	}
}
