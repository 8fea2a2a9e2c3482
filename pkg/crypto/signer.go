package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Signer wraps a folder's Ed25519 keypair. Each folder generates one on
// first use; the public key is published with the first share and pinned by
// recipients thereafter.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// SignerFromSeed reconstructs a Signer from a stored 32-byte seed.
func SignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// SignerFromEncoded reconstructs a Signer from the base64 seed stored in a
// folder row.
func SignerFromEncoded(encoded string) (*Signer, error) {
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	return SignerFromSeed(seed)
}

// EncodedSeed returns the base64 seed for persistence in the folder row.
func (s *Signer) EncodedSeed() string {
	return base64.StdEncoding.EncodeToString(s.priv.Seed())
}

// PublicKey returns the raw public key bytes.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}

// HMACKey returns the key material used for subject obfuscation. The
// private seed doubles as the HMAC key so subjects are only computable by
// the folder owner.
func (s *Signer) HMACKey() []byte {
	return s.priv.Seed()
}

// Sign signs a message (typically the share descriptor root hash).
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// Verify checks a signature against a pinned public key.
func Verify(pub, message, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: got %d, want %d", ErrInvalidKeySize, len(pub), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return ErrInvalidSignature
	}
	return nil
}
