package cryptoops

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Handshake message sizes fixed by the wire protocol (§4.2): the two
// parties exchange a random X25519 ephemeral public key, a 64-byte
// Ed25519 signature over that key, and a length-prefixed signed identity
// document. These sizes MUST stay bit-exact for wire compatibility.
const (
	EphemeralLen = 32
	HandshakeLen = EphemeralLen + SignatureLen // random + signature, before the identity doc
)

var (
	ErrHandshakeAuthFailed = errors.New("cryptoops: handshake signature verification failed")
	ErrShortRead           = errors.New("cryptoops: short handshake read")
)

// HandshakeMessage is the fixed-length prefix of a handshake message:
// a random X25519 ephemeral public key followed by an Ed25519 signature
// of that key made with the sender's long-term identity key. The
// identity document (length-prefixed, variable length) follows on the
// wire but is handled by the caller since its encoding is outside the
// crypto primitives.
type HandshakeMessage struct {
	Ephemeral [EphemeralLen]byte
	Signature [SignatureLen]byte
}

// Encode writes the fixed portion of a handshake message.
func (m *HandshakeMessage) Encode() []byte {
	out := make([]byte, HandshakeLen)
	copy(out, m.Ephemeral[:])
	copy(out[EphemeralLen:], m.Signature[:])
	return out
}

// DecodeHandshakeMessage parses the fixed HandshakeLen-byte prefix.
func DecodeHandshakeMessage(b []byte) (*HandshakeMessage, error) {
	if len(b) < HandshakeLen {
		return nil, ErrShortRead
	}
	m := &HandshakeMessage{}
	copy(m.Ephemeral[:], b[:EphemeralLen])
	copy(m.Signature[:], b[EphemeralLen:HandshakeLen])
	return m, nil
}

// MakeHandshakeMessage generates a fresh ephemeral X25519 keypair and
// signs the ephemeral public key with the long-term Ed25519 private key,
// returning the message to send and the ephemeral private scalar needed
// to complete the key exchange once the peer's message is received.
func MakeHandshakeMessage(rng RandReader, privkey ed25519.PrivateKey) (msg *HandshakeMessage, ephPriv [EphemeralLen]byte, err error) {
	var ephPub [EphemeralLen]byte
	if _, err = io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, ephPriv, fmt.Errorf("cryptoops: generate ephemeral: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	sig, err := Sign(privkey, ephPub[:], nil)
	if err != nil {
		return nil, ephPriv, err
	}

	msg = &HandshakeMessage{Ephemeral: ephPub}
	copy(msg.Signature[:], sig)
	return msg, ephPriv, nil
}

// VerifyHandshakeMessage checks that msg.Signature is a valid signature,
// by the given long-term public key, over msg.Ephemeral.
func VerifyHandshakeMessage(pubkey ed25519.PublicKey, msg *HandshakeMessage) bool {
	return Verify(pubkey, msg.Ephemeral[:], nil, msg.Signature[:])
}

// SessionKeys holds the two directional ChaCha20-Poly1305 AEAD states
// derived from a completed handshake, one per direction so that both
// peers can encrypt and decrypt concurrently without key reuse.
type SessionKeys struct {
	sendAEAD  *directionalAEAD
	recvAEAD  *directionalAEAD
}

type directionalAEAD struct {
	aead  interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	counter uint64
}

func (d *directionalAEAD) nonce() []byte {
	n := make([]byte, d.aead.NonceSize())
	binary.LittleEndian.PutUint64(n, d.counter)
	d.counter++
	return n
}

// Seal encrypts plaintext with the next send nonce, appending the result
// to dst, which may be nil.
func (k *SessionKeys) Seal(dst, plaintext []byte) []byte {
	n := k.sendAEAD.nonce()
	return k.sendAEAD.aead.Seal(dst, n, plaintext, nil)
}

// Open decrypts ciphertext with the next receive nonce.
func (k *SessionKeys) Open(dst, ciphertext []byte) ([]byte, error) {
	n := k.recvAEAD.nonce()
	return k.recvAEAD.aead.Open(dst, n, ciphertext, nil)
}

// DeriveSessionKeys completes an X25519 exchange given the local
// ephemeral private scalar and the peer's ephemeral public key, then
// expands the shared secret via HKDF-SHA256 into two directional
// ChaCha20-Poly1305 keys. initiator picks which expanded half is used
// for sending vs. receiving so the two ends agree on direction.
func DeriveSessionKeys(localEphPriv [EphemeralLen]byte, peerEphPub [EphemeralLen]byte, initiator bool) (*SessionKeys, error) {
	shared, err := curve25519.X25519(localEphPriv[:], peerEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoops: key exchange: %w", err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte("wishcore wire handshake v1"))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("cryptoops: hkdf expand: %w", err)
	}

	clientKey := keys[:chacha20poly1305.KeySize]
	serverKey := keys[chacha20poly1305.KeySize:]

	clientAEAD, err := chacha20poly1305.New(clientKey)
	if err != nil {
		return nil, err
	}
	serverAEAD, err := chacha20poly1305.New(serverKey)
	if err != nil {
		return nil, err
	}

	sk := &SessionKeys{}
	if initiator {
		sk.sendAEAD = &directionalAEAD{aead: clientAEAD}
		sk.recvAEAD = &directionalAEAD{aead: serverAEAD}
	} else {
		sk.sendAEAD = &directionalAEAD{aead: serverAEAD}
		sk.recvAEAD = &directionalAEAD{aead: clientAEAD}
	}
	return sk, nil
}
