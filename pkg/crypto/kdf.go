package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// SaltSize is the size of KDF salts in bytes.
const SaltSize = 16

// ScryptParams holds the scrypt cost parameters for passphrase key derivation.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams are the production defaults (interactive-grade).
var DefaultScryptParams = ScryptParams{N: 16384, R: 8, P: 1}

// DefaultPBKDF2Iterations is the iteration count for the stored
// passphrase verification hash.
const DefaultPBKDF2Iterations = 100_000

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte wrapping key from a passphrase using scrypt.
// The same (passphrase, salt, params) always yields the same key.
func DeriveKey(passphrase string, salt []byte, params ScryptParams) ([]byte, error) {
	if params.N == 0 {
		params = DefaultScryptParams
	}
	key, err := scrypt.Key([]byte(passphrase), salt, params.N, params.R, params.P, KeySize)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	return key, nil
}

// HashPassphrase computes the stored PBKDF2-SHA256 verification hash. The
// salt here is distinct from the scrypt salt; the wrapping key is never
// derived from this hash.
func HashPassphrase(passphrase string, salt []byte, iterations int) string {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	sum := pbkdf2.Key([]byte(passphrase), salt, iterations, sha256.Size, sha256.New)
	return base64.StdEncoding.EncodeToString(sum)
}

// VerifyPassphrase checks a passphrase against a stored hash in constant
// time. It reports only match/no-match; the caller maps a mismatch to the
// same access-denied error as an unknown share.
func VerifyPassphrase(passphrase string, salt []byte, iterations int, storedHash string) bool {
	computed := HashPassphrase(passphrase, salt, iterations)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
