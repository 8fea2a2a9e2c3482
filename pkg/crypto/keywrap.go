package crypto

import (
	"encoding/base64"
	"fmt"
)

// WrapKey seals key under wrappingKey and returns a base64 string suitable
// for storage in a share row. The wrapped form embeds the nonce:
// base64(nonce ‖ GCM(key)).
func WrapKey(key, wrappingKey []byte) (string, error) {
	ciphertext, nonce, err := Encrypt(key, wrappingKey)
	if err != nil {
		return "", fmt.Errorf("wrap key: %w", err)
	}
	wrapped := make([]byte, 0, len(nonce)+len(ciphertext))
	wrapped = append(wrapped, nonce...)
	wrapped = append(wrapped, ciphertext...)
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey reverses WrapKey. A tampered or wrongly keyed blob yields
// ErrIntegrity; callers decide whether to translate that into an access
// error (the member and passphrase tiers must not act as key oracles).
func UnwrapKey(wrapped string, wrappingKey []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", ErrInvalidCiphertext)
	}
	if len(raw) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	return Decrypt(raw[NonceSize:], raw[:NonceSize], wrappingKey)
}
