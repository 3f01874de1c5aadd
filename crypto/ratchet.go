package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"hash"
	"io"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

// These labels derive independent keys from a master key via HMAC, exactly
// as the axolotl ratchet this package descends from does.
var (
	chainKeyLabel      = []byte("chain key")
	headerKeyLabel     = []byte("header key")
	nextHeaderKeyLabel = []byte("next header key")
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	messageKeyLabel    = []byte("message key")
	chainKeyStepLabel  = []byte("chain key step")
)

// savedMessageKey holds a message key for a message that arrived out of
// order, so a later duplicate or delayed-delivery attempt can still decrypt
// it exactly once.
type savedMessageKey struct {
	key       [messageKeySize]byte
	timestamp time.Time
}

// Ratchet holds the double-ratchet state for one peer-to-peer session:
// forward-secret chain keys that step on every message, and a
// Diffie-Hellman root key that steps whenever the conversation direction
// flips. All secret material lives in memguard-locked buffers so it is
// zeroed and unswappable for its lifetime.
type Ratchet struct {
	now func() time.Time

	rootKey *memguard.LockedBuffer

	sendHeaderKey, recvHeaderKey         *memguard.LockedBuffer
	nextSendHeaderKey, nextRecvHeaderKey *memguard.LockedBuffer

	sendChainKey, recvChainKey           *memguard.LockedBuffer
	sendRatchetPrivate, recvRatchetPublic *memguard.LockedBuffer

	sendCount, recvCount uint32
	prevSendCount        uint32

	// ratchet is true when the next Encrypt call must first perform a new
	// DH step (we are about to speak first after receiving).
	ratchet bool

	// saved maps a header key to message-number -> message key, for
	// messages that arrived out of order.
	saved map[[keySize]byte]map[uint32]savedMessageKey

	rand io.Reader
}

func newRatchet(rnd io.Reader) *Ratchet {
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Ratchet{
		rand:  rnd,
		saved: make(map[[keySize]byte]map[uint32]savedMessageKey),
	}
}

func (r *Ratchet) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Ratchet) randBytes(buf []byte) {
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		panic(err)
	}
}

// deriveKey computes out = HMAC(h, label) and returns it in a locked buffer.
func deriveKey(label []byte, h hash.Hash) *memguard.LockedBuffer {
	out := make([]byte, keySize)
	h.Reset()
	h.Write(label)
	h.Sum(out[:0])
	dst := memguard.NewBuffer(keySize)
	dst.Copy(out)
	return dst
}

// establishFromKeyMaterial derives the root key and the initial send/recv
// header and chain keys from triple-DH output, then assigns the sending or
// receiving half to the initiator or responder as X3DH dictates: the
// initiator (the side that consumed the bundle) starts able to receive with
// the responder's published ratchet key; the responder starts able to send
// once it replies.
func (r *Ratchet) establishFromKeyMaterial(keyMaterial []byte, isInitiator bool, responderRatchetPublic *[publicKeySize]byte, responderRatchetPrivate *[privateKeySize]byte) {
	h := hmac.New(sha3.New256, keyMaterial)
	r.rootKey = deriveKey(rootKeyLabel, h)
	wipe(keyMaterial)

	r.sendHeaderKey = memguard.NewBuffer(keySize)
	r.recvHeaderKey = memguard.NewBuffer(keySize)
	r.nextSendHeaderKey = memguard.NewBuffer(keySize)
	r.nextRecvHeaderKey = memguard.NewBuffer(keySize)
	r.sendRatchetPrivate = memguard.NewBuffer(keySize)
	r.recvRatchetPublic = memguard.NewBuffer(keySize)
	r.sendChainKey = memguard.NewBuffer(keySize)
	r.recvChainKey = memguard.NewBuffer(keySize)

	if isInitiator {
		r.recvHeaderKey = deriveKey(headerKeyLabel, h)
		r.nextSendHeaderKey = deriveKey(nextHeaderKeyLabel, h)
		r.nextRecvHeaderKey = deriveKey(nextHeaderKeyLabel, h)
		r.recvChainKey = deriveKey(chainKeyLabel, h)
		r.recvRatchetPublic.Copy(responderRatchetPublic[:])
	} else {
		r.sendHeaderKey = deriveKey(headerKeyLabel, h)
		r.nextRecvHeaderKey = deriveKey(nextHeaderKeyLabel, h)
		r.nextSendHeaderKey = deriveKey(nextHeaderKeyLabel, h)
		r.sendChainKey = deriveKey(chainKeyLabel, h)
		r.sendRatchetPrivate.Copy(responderRatchetPrivate[:])
	}
	r.ratchet = isInitiator
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Encrypt appends an encrypted, header-sealed version of msg to out.
func (r *Ratchet) Encrypt(out, msg []byte) []byte {
	if r.ratchet {
		r.sendRatchetPrivate, _ = memguard.NewBufferFromReader(r.rand, keySize)

		r.sendHeaderKey.Melt()
		r.sendHeaderKey.Copy(r.nextSendHeaderKey.ByteArray32()[:])
		r.sendHeaderKey.Freeze()

		var sharedKey, keyMaterial [sharedKeySize]byte
		curve25519.ScalarMult(&sharedKey, r.sendRatchetPrivate.ByteArray32(), r.recvRatchetPublic.ByteArray32())

		sha := sha3.New256()
		sha.Write(rootKeyUpdateLabel)
		sha.Write(r.rootKey.ByteArray32()[:])
		sha.Write(sharedKey[:])
		sha.Sum(keyMaterial[:0])
		h := hmac.New(sha3.New256, keyMaterial[:])

		r.rootKey = deriveKey(rootKeyLabel, h)
		r.nextSendHeaderKey = deriveKey(headerKeyLabel, h)
		r.sendChainKey = deriveKey(chainKeyLabel, h)
		r.prevSendCount, r.sendCount = r.sendCount, 0
		r.ratchet = false
	}

	h := hmac.New(sha3.New256, r.sendChainKey.ByteArray32()[:])
	messageKey := deriveKey(messageKeyLabel, h)
	r.sendChainKey = deriveKey(chainKeyStepLabel, h)

	var sendRatchetPublic [publicKeySize]byte
	curve25519.ScalarBaseMult(&sendRatchetPublic, r.sendRatchetPrivate.ByteArray32())

	var header [headerSize]byte
	var headerNonce, messageNonce [nonceSize]byte
	r.randBytes(headerNonce[:])
	r.randBytes(messageNonce[:])

	binary.LittleEndian.PutUint32(header[0:4], r.sendCount)
	binary.LittleEndian.PutUint32(header[4:8], r.prevSendCount)
	copy(header[8:], sendRatchetPublic[:])
	copy(header[nonceInHeaderOffset:], messageNonce[:])
	out = append(out, headerNonce[:]...)
	out = secretbox.Seal(out, header[:], &headerNonce, r.sendHeaderKey.ByteArray32())
	r.sendCount++

	return secretbox.Seal(out, msg, &messageNonce, messageKey.ByteArray32())
}

// trySavedKeys attempts decryption against every header key we've kept
// message keys for, covering out-of-order or duplicate delivery.
func (r *Ratchet) trySavedKeys(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrIncorrectHeaderSize
	}

	sealedHeader := ciphertext[:sealedHeaderSize]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	for headerKey, messageKeys := range r.saved {
		header, ok := secretbox.Open(nil, sealedHeader, &nonce, &headerKey)
		if !ok || len(header) != headerSize {
			continue
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		msgKey, ok := messageKeys[msgNum]
		if !ok {
			return nil, nil
		}

		sealedMessage := ciphertext[sealedHeaderSize:]
		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, &msgKey.key)
		if !ok {
			return nil, ErrCorruptMessage
		}
		delete(messageKeys, msgNum)
		if len(messageKeys) == 0 {
			delete(r.saved, headerKey)
		}
		return msg, nil
	}
	return nil, nil
}

// saveKeys advances a chain key from receivedCount through messageNum,
// returning the message key for messageNum and stashing any skipped keys
// for later out-of-order delivery.
func (r *Ratchet) saveKeys(headerKey *[keySize]byte, recvChainKey *[receivingChainKeySize]byte, messageNum, receivedCount uint32) (provisionalChainKey, messageKey *memguard.LockedBuffer, savedKeys map[[keySize]byte]map[uint32]savedMessageKey, err error) {
	if messageNum < receivedCount {
		err = ErrDuplicateOrDelayed
		return
	}
	missingMessages := messageNum - receivedCount
	if missingMessages > MaxMissingMessages {
		err = ErrMessageExceedsReorderingLimit
		return
	}

	var messageKeys map[uint32]savedMessageKey
	if missingMessages > 0 {
		messageKeys = make(map[uint32]savedMessageKey)
	}
	now := r.clock()

	provisionalChainKey = memguard.NewBuffer(keySize)
	provisionalChainKey.Copy(recvChainKey[:])

	for n := receivedCount; n <= messageNum; n++ {
		h := hmac.New(sha3.New256, provisionalChainKey.ByteArray32()[:])
		messageKey = deriveKey(messageKeyLabel, h)
		provisionalChainKey = deriveKey(chainKeyStepLabel, h)
		if n < messageNum {
			messageKeys[n] = savedMessageKey{*messageKey.ByteArray32(), now}
		}
	}

	if messageKeys != nil {
		savedKeys = map[[keySize]byte]map[uint32]savedMessageKey{*headerKey: messageKeys}
	}
	return
}

func (r *Ratchet) mergeSavedKeys(newKeys map[[keySize]byte]map[uint32]savedMessageKey) {
	for headerKey, newMessageKeys := range newKeys {
		messageKeys, ok := r.saved[headerKey]
		if !ok {
			r.saved[headerKey] = newMessageKeys
			continue
		}
		for n, mk := range newMessageKeys {
			messageKeys[n] = mk
		}
	}
}

func isZeroKey(key *[keySize]byte) bool {
	var x byte
	for _, v := range key {
		x |= v
	}
	return x == 0
}

// Decrypt opens a ciphertext produced by the peer's Encrypt, performing a
// DH ratchet step first if the message was sealed to our next header key.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	msg, err := r.trySavedKeys(ciphertext)
	if err != nil || msg != nil {
		return msg, err
	}

	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrIncorrectHeaderSize
	}
	sealedHeader := ciphertext[:sealedHeaderSize]
	sealedMessage := ciphertext[sealedHeaderSize:]
	var nonce [nonceSize]byte
	copy(nonce[:], sealedHeader)
	sealedHeader = sealedHeader[len(nonce):]

	header, ok := secretbox.Open(nil, sealedHeader, &nonce, r.recvHeaderKey.ByteArray32())
	ok = ok && !isZeroKey(r.recvHeaderKey.ByteArray32())

	if ok {
		if len(header) != headerSize {
			return nil, ErrIncorrectHeaderSize
		}
		messageNum := binary.LittleEndian.Uint32(header[:4])
		provisionalChainKey, messageKey, savedKeys, err := r.saveKeys(r.recvHeaderKey.ByteArray32(), r.recvChainKey.ByteArray32(), messageNum, r.recvCount)
		if err != nil {
			return nil, err
		}
		copy(nonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
		if !ok {
			return nil, ErrCorruptMessage
		}
		r.recvChainKey.Melt()
		r.recvChainKey.Copy(provisionalChainKey.ByteArray32()[:])
		r.recvChainKey.Freeze()
		r.mergeSavedKeys(savedKeys)
		r.recvCount = messageNum + 1
		return msg, nil
	}

	header, ok = secretbox.Open(nil, sealedHeader, &nonce, r.nextRecvHeaderKey.ByteArray32())
	if !ok {
		return nil, ErrCannotDecrypt
	}
	if len(header) != headerSize {
		return nil, ErrIncorrectHeaderSize
	}

	messageNum := binary.LittleEndian.Uint32(header[:4])
	prevMessageCount := binary.LittleEndian.Uint32(header[4:8])

	_, _, oldSavedKeys, err := r.saveKeys(r.recvHeaderKey.ByteArray32(), r.recvChainKey.ByteArray32(), prevMessageCount, r.recvCount)
	if err != nil {
		return nil, err
	}

	var dhPublic, sharedKey, keyMaterial [keySize]byte
	copy(dhPublic[:], header[8:])
	curve25519.ScalarMult(&sharedKey, r.sendRatchetPrivate.ByteArray32(), &dhPublic)

	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(r.rootKey.ByteArray32()[:])
	sha.Write(sharedKey[:])
	sha.Sum(keyMaterial[:0])
	rootKeyHMAC := hmac.New(sha3.New256, keyMaterial[:])
	r.rootKey = deriveKey(rootKeyLabel, rootKeyHMAC)
	chainKey := deriveKey(chainKeyLabel, rootKeyHMAC)

	provisionalChainKey, messageKey, savedKeys, err := r.saveKeys(r.nextRecvHeaderKey.ByteArray32(), chainKey.ByteArray32(), messageNum, 0)
	if err != nil {
		return nil, err
	}

	copy(nonce[:], header[nonceInHeaderOffset:])
	msg, ok = secretbox.Open(nil, sealedMessage, &nonce, messageKey.ByteArray32())
	if !ok {
		return nil, ErrCorruptMessage
	}

	r.recvChainKey.Melt()
	r.recvHeaderKey.Melt()
	r.recvChainKey.Copy(provisionalChainKey.ByteArray32()[:])
	r.recvHeaderKey.Copy(r.nextRecvHeaderKey.ByteArray32()[:])
	r.recvChainKey.Freeze()
	r.recvHeaderKey.Freeze()

	r.nextRecvHeaderKey = deriveKey(headerKeyLabel, rootKeyHMAC)

	r.sendRatchetPrivate.Melt()
	r.sendRatchetPrivate.Wipe()
	r.sendRatchetPrivate.Freeze()

	r.recvRatchetPublic.Melt()
	r.recvRatchetPublic.Copy(dhPublic[:])
	r.recvRatchetPublic.Freeze()

	r.recvCount = messageNum + 1
	r.mergeSavedKeys(oldSavedKeys)
	r.mergeSavedKeys(savedKeys)
	r.ratchet = true

	return msg, nil
}

// ratchetState is the CBOR wire form used to pickle a Ratchet.
type ratchetState struct {
	RootKey             []byte
	SendHeaderKey       []byte
	RecvHeaderKey       []byte
	NextSendHeaderKey   []byte
	NextRecvHeaderKey   []byte
	SendChainKey        []byte
	RecvChainKey        []byte
	SendRatchetPrivate  []byte
	RecvRatchetPublic   []byte
	SendCount           uint32
	RecvCount           uint32
	PrevSendCount       uint32
	Ratchet             bool
	SavedKeys           []savedKeysEntry
}

type savedKeysEntry struct {
	HeaderKey   []byte
	MessageKeys []savedMessageKeyEntry
}

type savedMessageKeyEntry struct {
	Num          uint32
	Key          []byte
	CreationTime int64
}

func dupLocked(b *memguard.LockedBuffer) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, keySize)
	copy(out, b.ByteArray32()[:])
	return out
}

// Marshal serializes the ratchet's state for persistence, dropping any
// skipped-message keys older than RatchetKeyMaxLifetime.
func (r *Ratchet) Marshal() ([]byte, error) {
	now := r.clock()
	s := ratchetState{
		RootKey:            dupLocked(r.rootKey),
		SendHeaderKey:      dupLocked(r.sendHeaderKey),
		RecvHeaderKey:      dupLocked(r.recvHeaderKey),
		NextSendHeaderKey:  dupLocked(r.nextSendHeaderKey),
		NextRecvHeaderKey:  dupLocked(r.nextRecvHeaderKey),
		SendChainKey:       dupLocked(r.sendChainKey),
		RecvChainKey:       dupLocked(r.recvChainKey),
		SendRatchetPrivate: dupLocked(r.sendRatchetPrivate),
		RecvRatchetPublic:  dupLocked(r.recvRatchetPublic),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
		Ratchet:            r.ratchet,
	}
	for headerKey, messageKeys := range r.saved {
		var keys []savedMessageKeyEntry
		for num, mk := range messageKeys {
			if now.Sub(mk.timestamp) > RatchetKeyMaxLifetime {
				continue
			}
			keyCopy := make([]byte, messageKeySize)
			copy(keyCopy, mk.key[:])
			keys = append(keys, savedMessageKeyEntry{Num: num, Key: keyCopy, CreationTime: mk.timestamp.UnixNano()})
		}
		hk := make([]byte, keySize)
		copy(hk, headerKey[:])
		s.SavedKeys = append(s.SavedKeys, savedKeysEntry{HeaderKey: hk, MessageKeys: keys})
	}
	return cbor.Marshal(s)
}

func unmarshalKey32(dst *[keySize]byte, src []byte) bool {
	if len(src) != keySize {
		return false
	}
	copy(dst[:], src)
	return true
}

// UnmarshalRatchet reconstructs a Ratchet from bytes produced by Marshal.
func UnmarshalRatchet(data []byte, rnd io.Reader) (*Ratchet, error) {
	var s ratchetState
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	r := newRatchet(rnd)

	var rootKey, sendHeaderKey, recvHeaderKey, nextSendHeaderKey, nextRecvHeaderKey,
		sendChainKey, recvChainKey, sendRatchetPrivate, recvRatchetPublic [keySize]byte
	pairs := [][2]interface{}{
		{&rootKey, s.RootKey}, {&sendHeaderKey, s.SendHeaderKey}, {&recvHeaderKey, s.RecvHeaderKey},
		{&nextSendHeaderKey, s.NextSendHeaderKey}, {&nextRecvHeaderKey, s.NextRecvHeaderKey},
		{&sendChainKey, s.SendChainKey}, {&recvChainKey, s.RecvChainKey},
		{&sendRatchetPrivate, s.SendRatchetPrivate}, {&recvRatchetPublic, s.RecvRatchetPublic},
	}
	for _, p := range pairs {
		if !unmarshalKey32(p[0].(*[keySize]byte), p[1].([]byte)) {
			return nil, ErrSerialisedKeyLength
		}
	}

	r.rootKey = memguard.NewBufferFromBytes(rootKey[:])
	r.sendHeaderKey = memguard.NewBufferFromBytes(sendHeaderKey[:])
	r.recvHeaderKey = memguard.NewBufferFromBytes(recvHeaderKey[:])
	r.nextSendHeaderKey = memguard.NewBufferFromBytes(nextSendHeaderKey[:])
	r.nextRecvHeaderKey = memguard.NewBufferFromBytes(nextRecvHeaderKey[:])
	r.sendChainKey = memguard.NewBufferFromBytes(sendChainKey[:])
	r.recvChainKey = memguard.NewBufferFromBytes(recvChainKey[:])
	r.sendRatchetPrivate = memguard.NewBufferFromBytes(sendRatchetPrivate[:])
	r.recvRatchetPublic = memguard.NewBufferFromBytes(recvRatchetPublic[:])
	r.sendCount = s.SendCount
	r.recvCount = s.RecvCount
	r.prevSendCount = s.PrevSendCount
	r.ratchet = s.Ratchet

	for _, entry := range s.SavedKeys {
		var headerKey [keySize]byte
		if !unmarshalKey32(&headerKey, entry.HeaderKey) {
			return nil, ErrSerialisedKeyLength
		}
		messageKeys := make(map[uint32]savedMessageKey)
		for _, mk := range entry.MessageKeys {
			var key [messageKeySize]byte
			if !unmarshalKey32(&key, mk.Key) {
				return nil, ErrSerialisedKeyLength
			}
			messageKeys[mk.Num] = savedMessageKey{key: key, timestamp: time.Unix(0, mk.CreationTime)}
		}
		r.saved[headerKey] = messageKeys
	}
	return r, nil
}

// Destroy zeroes and releases every secret buffer held by the ratchet.
func (r *Ratchet) Destroy() {
	for _, b := range []*memguard.LockedBuffer{
		r.rootKey, r.sendHeaderKey, r.recvHeaderKey, r.nextSendHeaderKey, r.nextRecvHeaderKey,
		r.sendChainKey, r.recvChainKey, r.sendRatchetPrivate, r.recvRatchetPublic,
	} {
		if b != nil {
			b.Destroy()
		}
	}
	r.sendCount, r.recvCount, r.prevSendCount = 0, 0, 0
}
