// Package share implements the access-token codec and the core-index
// manifest format. A token is the short string a recipient needs to start
// retrieval; three on-the-wire encodings carry the same logical payload and
// the parser auto-detects which one it was handed. Every encoding is
// checksummed: the parser either returns a verified token or
// ErrInvalidToken, never unverified data.
package share

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Access tiers as they appear on the wire. Values match the store's share
// rows.
const (
	TierOpen       = "open"
	TierMember     = "member"
	TierPassphrase = "passphrase"
)

// TokenVersion is the current payload version.
const TokenVersion = 1

// URIScheme prefixes the canonical token URI form.
const URIScheme = "usenetsync://"

// ErrInvalidToken indicates a token that failed structural or checksum
// validation. The parser is total: any input yields either a verified token
// or this error.
var ErrInvalidToken = errors.New("invalid token")

// shareIDLength is the length of the base32 share identifier.
const shareIDLength = 24

var base64url = base64.URLEncoding.WithPadding(base64.NoPadding)

// IndexRef locates the share's core-index articles. A single-article index
// carries the message id directly; a multi-article index lists the parts in
// order. The compact binary encoding is lossy and keeps only message-id
// hashes; a token parsed from it carries hashes and resolves the actual ids
// from the share record.
type IndexRef struct {
	// Single-article form.
	MessageID string
	Group     string

	// Multi-article form.
	Count    int
	Articles []IndexArticle

	// Hash prefixes carried by the binary encoding: the single article's
	// message id, or the first part's for multi. Empty when the encoding
	// carried the ids themselves.
	MessageIDHash string
}

// IndexArticle is one part of a multi-article index.
type IndexArticle struct {
	Index     int
	MessageID string
	Group     string
}

// Multi reports whether the reference names more than one index article.
func (r *IndexRef) Multi() bool {
	return r.Count > 1 || len(r.Articles) > 1
}

// Token is the logical payload every encoding carries. The master key rides
// only in the URI form and only for tier=open.
type Token struct {
	Version       int
	ShareID       string
	Tier          string
	FolderPrefix  string // 16 hex chars: SHA-256 prefix of the folder id
	FolderVersion int
	CreatedAt     time.Time
	Index         IndexRef

	// Key is the embedded master key (tier=open). Never present in the
	// bare payload encodings.
	Key []byte
}

// FolderIDPrefix computes the folder-prefix field for a folder identifier.
func FolderIDPrefix(folderID string) string {
	sum := sha256.Sum256([]byte(folderID))
	return fmt.Sprintf("%x", sum[:8])
}

// validTier reports whether s names a known access tier.
func validTier(s string) bool {
	return s == TierOpen || s == TierMember || s == TierPassphrase
}

func tierByte(tier string) (byte, error) {
	switch tier {
	case TierOpen:
		return 0, nil
	case TierMember:
		return 1, nil
	case TierPassphrase:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidToken, tier)
}

func tierFromByte(b byte) (string, error) {
	switch b {
	case 0:
		return TierOpen, nil
	case 1:
		return TierMember, nil
	case 2:
		return TierPassphrase, nil
	}
	return "", fmt.Errorf("%w: unknown tier byte %d", ErrInvalidToken, b)
}

// EncodeURI renders the canonical token URI:
// usenetsync://<payload>/<tier>[/<base64-key>]. The payload is one of the
// three bare encodings; only tier=open appends the key.
func (t *Token) EncodeURI(payload string) string {
	var b strings.Builder
	b.WriteString(URIScheme)
	b.WriteString(payload)
	b.WriteByte('/')
	b.WriteString(t.Tier)
	if t.Tier == TierOpen && len(t.Key) > 0 {
		b.WriteByte('/')
		b.WriteString(base64url.EncodeToString(t.Key))
	}
	return b.String()
}

// decodeShareIDCore decodes the 24-character base32 share id into its
// 15-byte core.
func decodeShareIDCore(id string) ([]byte, error) {
	if len(id) != shareIDLength {
		return nil, fmt.Errorf("%w: share id length %d", ErrInvalidToken, len(id))
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(id)
	if err != nil || len(raw) != 15 {
		return nil, fmt.Errorf("%w: malformed share id", ErrInvalidToken)
	}
	return raw, nil
}

func encodeShareIDCore(core []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(core)
}

// messageIDHash computes the 16-byte hash prefix the binary encoding stores
// in place of a message id.
func messageIDHash(messageID string) []byte {
	sum := sha256.Sum256([]byte(messageID))
	return sum[:16]
}
