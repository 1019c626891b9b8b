// Package crypto provides envelope encryption for credentials at rest.
//
// Each secret is sealed with a freshly generated 256-bit data-encryption key
// (DEK) using AES-256-GCM; the DEK itself is sealed with the process-wide
// key-encryption key (KEK), also AES-256-GCM.  Rotating the KEK therefore
// only requires re-sealing the small DEK blobs, never the payloads.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the GCM standard nonce size (12 bytes).
	NonceSize = 12
	// KeySize is the required key length for AES-256-GCM (32 bytes).
	KeySize = 32
)

var (
	ErrInvalidKeySize     = fmt.Errorf("key must be exactly %d bytes", KeySize)
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	// ErrIntegrity is returned when any authentication tag fails to verify.
	ErrIntegrity = errors.New("crypto: envelope integrity check failed")
)

// Envelope is a sealed secret: the data ciphertext encrypted under a random
// DEK, and the DEK encrypted under the KEK.  GCM appends its authentication
// tag to each ciphertext, so SealedKey and SealedData carry tag_outer and
// tag_inner respectively.
type Envelope struct {
	OuterNonce []byte `json:"nonce_outer"`
	InnerNonce []byte `json:"nonce_inner"`
	SealedKey  []byte `json:"ciphertext_key"`
	SealedData []byte `json:"ciphertext_data"`
}

// Seal encrypts plaintext under a random DEK and wraps the DEK with kek.
func Seal(plaintext, kek []byte) (*Envelope, error) {
	if len(kek) != KeySize {
		return nil, ErrInvalidKeySize
	}

	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}

	innerNonce, sealedData, err := seal(dek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal payload: %w", err)
	}

	outerNonce, sealedKey, err := seal(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("seal data key: %w", err)
	}

	return &Envelope{
		OuterNonce: outerNonce,
		InnerNonce: innerNonce,
		SealedKey:  sealedKey,
		SealedData: sealedData,
	}, nil
}

// Open unwraps the DEK with kek and decrypts the payload.  Any tag mismatch
// in either layer returns ErrIntegrity.
func Open(env *Envelope, kek []byte) ([]byte, error) {
	if len(kek) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if env == nil {
		return nil, ErrCiphertextTooShort
	}

	dek, err := open(kek, env.OuterNonce, env.SealedKey)
	if err != nil {
		return nil, errors.Join(ErrIntegrity, err)
	}
	if len(dek) != KeySize {
		return nil, ErrIntegrity
	}

	plaintext, err := open(dek, env.InnerNonce, env.SealedData)
	if err != nil {
		return nil, errors.Join(ErrIntegrity, err)
	}
	return plaintext, nil
}

// Marshal serialises the envelope for storage (JSON with base64 fields).
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope parses a stored envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

// ParseKEK decodes the base64-encoded KEK from configuration.  The encoded
// form of a 32-byte key is exactly 44 characters ending in "=".
func ParseKEK(encoded string) ([]byte, error) {
	kek, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode KEK: %w", err)
	}
	if len(kek) != KeySize {
		return nil, ErrInvalidKeySize
	}
	return kek, nil
}

// seal encrypts plaintext with AES-256-GCM under key, returning the random
// nonce and the tag-suffixed ciphertext.
func seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts a ciphertext produced by seal.
func open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrCiphertextTooShort
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}
