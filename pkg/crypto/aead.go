// Package crypto provides the symmetric, key-wrapping, key-derivation, and
// signing primitives used by the segmenter, access control, and share codec.
//
// All segment bodies are sealed with AES-256-GCM under a per-share master key
// or a per-folder content key. Nonces are generated fresh for every seal, so
// redundant copies of the same plaintext produce unrelated ciphertexts.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// KeySize is the size of all symmetric keys in bytes (AES-256).
const KeySize = 32

// NonceSize is the size of the GCM nonce in bytes.
const NonceSize = 12

// NewKey generates a fresh 32-byte symmetric key from the CSPRNG.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-256-GCM under key. The returned nonce is
// stored alongside the ciphertext hash in the segment row; ciphertext does
// not embed it.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// EncryptWithNonce seals plaintext under a caller-supplied nonce. Used to
// reproduce a previously planned ciphertext bit-for-bit at posting time;
// never reuse a nonce for different plaintexts under the same key.
func EncryptWithNonce(plaintext, key, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidCiphertext
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens an AES-256-GCM ciphertext. Tag verification failure is
// reported as ErrIntegrity and must never be folded into a generic
// download error by callers.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
