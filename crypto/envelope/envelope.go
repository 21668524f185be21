// Package envelope implements the sealed payload format exchanged over the
// relay. Each call to Seal generates a fresh X25519 ephemeral key pair,
// performs ECDH against the recipient's static public key, derives a
// symmetric key via HKDF-SHA256 with a versioned context string, and
// encrypts with ChaCha20-Poly1305. The envelope is self-contained: the
// recipient needs only its static private key to open it.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"paylink/configs"
)

var (
	ErrDecryptionFailed = errors.New("envelope decryption failed")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidKey       = errors.New("invalid key length")
)

const KeySize = curve25519.ScalarSize

type (
	// PrivateKey is a 32-byte X25519 private key.
	PrivateKey []byte
	// PublicKey is a 32-byte X25519 public key.
	PublicKey []byte

	Pair struct {
		Priv PrivateKey
		Pub  PublicKey
	}
)

// Envelope is the wire form of a sealed payload. The ephemeral key and nonce
// are not secret; []byte fields serialize as base64 in JSON.
type Envelope struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKey" validate:"required"`
	Nonce              []byte `json:"nonce" validate:"required"`
	Ciphertext         []byte `json:"ciphertext" validate:"required"`
}

// NewPair generates a fresh X25519 key pair.
func NewPair() (*Pair, error) {
	priv := make(PrivateKey, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, err
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	return &Pair{Priv: priv, Pub: pub}, nil
}

// Public derives the public key for a private key.
func (priv PrivateKey) Public() (PublicKey, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// Seal encrypts plaintext to the recipient's static public key. Every call
// uses a fresh ephemeral key pair and nonce, so two seals of the same
// plaintext never produce the same envelope.
func Seal(plaintext []byte, recipientPub PublicKey) (*Envelope, error) {
	if len(recipientPub) != KeySize {
		return nil, ErrInvalidKey
	}

	eph, err := NewPair()
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}

	key, err := deriveKey(eph.Priv, recipientPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return &Envelope{
		EphemeralPublicKey: eph.Pub,
		Nonce:              nonce,
		Ciphertext:         aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts an envelope with the recipient's static private key. It
// fails with ErrDecryptionFailed on any authentication failure and never
// returns partial plaintext.
func Open(env *Envelope, recipientPriv PrivateKey) ([]byte, error) {
	if len(recipientPriv) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(env.EphemeralPublicKey) != KeySize {
		return nil, ErrDecryptionFailed
	}

	key, err := deriveKey(recipientPriv, env.EphemeralPublicKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealJSON serializes v and seals the result.
func SealJSON(v any, recipientPub PublicKey) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	return Seal(plaintext, recipientPub)
}

// OpenJSON opens the envelope and deserializes the plaintext into out,
// failing with ErrMalformedPayload if the plaintext is not valid JSON for out.
func OpenJSON(env *Envelope, recipientPriv PrivateKey, out any) error {
	plaintext, err := Open(env, recipientPriv)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return ErrMalformedPayload
	}
	return nil
}

func deriveKey(priv PrivateKey, pub PublicKey) ([]byte, error) {
	secret, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, err
	}
	hkdfReader := hkdf.New(sha256.New, secret, nil, configs.EnvelopeKDFInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}
