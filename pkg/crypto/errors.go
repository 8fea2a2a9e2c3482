package crypto

import "errors"

var (
	// ErrIntegrity indicates an authentication tag or hash check failed.
	// It is surfaced distinctly so retries target different redundancy
	// copies instead of the same corrupt article.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrInvalidKeySize indicates a key of the wrong length was supplied.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidCiphertext indicates a ciphertext too short to contain a nonce.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidSignature indicates an Ed25519 signature did not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)
