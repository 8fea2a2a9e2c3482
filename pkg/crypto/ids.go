package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// shareIDEncoding is unpadded base32 for token-friendly identifiers.
var shareIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 128-bit opaque identifier rendered as hex. Used for
// folders, files, and segments. Sequential counters are never used for
// anything that leaves the process.
func NewID() (string, error) {
	var raw [16]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// NewShareID returns a 24-character base32 share identifier derived from 15
// random bytes mixed with the creation time. The time component only seasons
// the hash; uniqueness rests on the random bytes.
func NewShareID() (string, error) {
	var raw [15]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", fmt.Errorf("generate share id: %w", err)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))

	sum := sha256.Sum256(append(raw[:], ts[:]...))
	return shareIDEncoding.EncodeToString(sum[:15]), nil
}

// HashBytes returns the SHA-256 digest of data.
func HashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HashHex returns the SHA-256 digest of data as a hex string.
func HashHex(data []byte) string {
	return hex.EncodeToString(HashBytes(data))
}
