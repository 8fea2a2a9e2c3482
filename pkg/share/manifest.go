package share

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
)

// ManifestVersion is the core-index format version.
const ManifestVersion = 1

// Manifest is the share's file-and-segment catalogue carried by the core
// index articles. It holds everything a recipient needs to plan retrieval:
// per file, the destination path and plaintext hash; per logical segment,
// the redundancy copies with their message ids, nonces, and ciphertext
// hashes.
type Manifest struct {
	Version       int    `json:"v"`
	ShareID       string `json:"share_id"`
	FolderID      string `json:"folder_id"`
	FolderVersion int    `json:"folder_version"`
	ShareType     string `json:"share_type"`

	// PublicKey is the folder's base64 Ed25519 signing key, pinned by
	// recipients from the first share onward.
	PublicKey string `json:"public_key"`

	// SegmentKey is the base64 key that sealed the segment bodies. It
	// travels only inside the encrypted manifest: recovering it requires
	// the share's master key, so revoking access to future shares never
	// exposes it to anyone who was not already granted this one.
	SegmentKey string `json:"seg_key"`

	CreatedAt int64          `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// ManifestFile is one file of the share.
type ManifestFile struct {
	Path     string            `json:"path"`
	Size     int64             `json:"size"`
	Hash     string            `json:"hash"` // hex SHA-256 of the plaintext
	MimeType string            `json:"mime,omitempty"`
	Segments []ManifestSegment `json:"segments"`
}

// ManifestSegment is one logical segment. PlainSize and CompressedSize
// describe the article body, which for packed members is the whole
// container; Window then locates the member's bytes inside the decrypted
// body. Offset is where the plaintext lands in the destination file.
type ManifestSegment struct {
	Index          int            `json:"i"`
	Offset         int64          `json:"off"`
	PlainSize      int64          `json:"ps"`
	CompressedSize int64          `json:"cs,omitempty"`
	Window         *PackedWindow  `json:"win,omitempty"`
	Copies         []ManifestCopy `json:"copies"`
}

// PackedWindow is a member's byte range inside a packed container body.
type PackedWindow struct {
	Start int64 `json:"s"`
	End   int64 `json:"e"`
}

// ManifestCopy is one redundancy copy: one posted article.
type ManifestCopy struct {
	MessageID      string `json:"m"`
	Group          string `json:"g"`
	Nonce          string `json:"n"` // base64, 12 bytes
	CiphertextHash string `json:"h"` // hex SHA-256
}

// envelope wraps the manifest with its signature for transport. The
// signature covers the raw manifest bytes so verification does not depend
// on re-marshalling producing identical JSON.
type envelope struct {
	Manifest  json.RawMessage `json:"manifest"`
	Signature string          `json:"sig"`
}

// SealManifest signs, compresses, and encrypts a manifest for posting. It
// returns nonce-prefixed ciphertext ready to split into index articles and
// the base64 descriptor signature for the share record.
func SealManifest(m *Manifest, signer *crypto.Signer, key []byte) ([]byte, string, error) {
	if m.Version == 0 {
		m.Version = ManifestVersion
	}
	m.PublicKey = base64.StdEncoding.EncodeToString(signer.PublicKey())

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, "", fmt.Errorf("seal manifest: %w", err)
	}

	signature := base64.StdEncoding.EncodeToString(signer.Sign(crypto.HashBytes(raw)))
	env, err := json.Marshal(&envelope{
		Manifest:  raw,
		Signature: signature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("seal manifest: %w", err)
	}

	compressed, err := codec.Compress(env)
	if err != nil {
		return nil, "", err
	}

	ciphertext, nonce, err := crypto.Encrypt(compressed, key)
	if err != nil {
		return nil, "", err
	}
	return append(nonce, ciphertext...), signature, nil
}

// OpenManifest reverses SealManifest and verifies the embedded signature.
// When pinnedKey is non-nil it must match the manifest's public key, so a
// recipient who has seen the folder before detects key substitution.
func OpenManifest(sealed, key, pinnedKey []byte) (*Manifest, error) {
	if len(sealed) < crypto.NonceSize {
		return nil, crypto.ErrInvalidCiphertext
	}
	compressed, err := crypto.Decrypt(sealed[crypto.NonceSize:], sealed[:crypto.NonceSize], key)
	if err != nil {
		return nil, err
	}
	raw, err := codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", crypto.ErrIntegrity)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(env.Manifest, &m); err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("open manifest: unsupported version %d", m.Version)
	}

	pub, err := base64.StdEncoding.DecodeString(m.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("open manifest: malformed public key: %w", err)
	}
	if pinnedKey != nil && !bytes.Equal(pinnedKey, pub) {
		return nil, fmt.Errorf("open manifest: signing key does not match pinned key: %w", crypto.ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("open manifest: malformed signature: %w", err)
	}
	if err := crypto.Verify(pub, crypto.HashBytes(env.Manifest), sig); err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return &m, nil
}

// Index article bodies carry one chunk of the sealed manifest each:
// a header line `UNSIDX/1 part=<i> total=<n>` followed by the yEnc-framed
// chunk. Chunks reassemble in part order.

// EncodeIndexArticle frames one sealed-manifest chunk for posting.
func EncodeIndexArticle(chunk []byte, part, total int) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "UNSIDX/%d part=%d total=%d\r\n", ManifestVersion, part, total)
	buf.Write(codec.YencEncode(chunk, fmt.Sprintf("idx%03d", part), codec.DefaultLineWidth))
	return buf.Bytes()
}

// DecodeIndexArticle parses one fetched index article body.
func DecodeIndexArticle(body []byte) (chunk []byte, part, total int, err error) {
	nl := bytes.IndexByte(body, '\n')
	if nl < 0 {
		return nil, 0, 0, fmt.Errorf("%w: missing index header", ErrInvalidToken)
	}
	fields := strings.Fields(strings.TrimRight(string(body[:nl]), "\r"))
	if len(fields) != 3 || fields[0] != fmt.Sprintf("UNSIDX/%d", ManifestVersion) {
		return nil, 0, 0, fmt.Errorf("%w: malformed index header", ErrInvalidToken)
	}

	part, err = atoiField(fields[1], "part=")
	if err != nil {
		return nil, 0, 0, err
	}
	total, err = atoiField(fields[2], "total=")
	if err != nil {
		return nil, 0, 0, err
	}

	chunk, err = codec.YencDecode(body[nl+1:])
	if err != nil {
		return nil, 0, 0, err
	}
	return chunk, part, total, nil
}

func atoiField(field, prefix string) (int, error) {
	v, ok := strings.CutPrefix(field, prefix)
	if !ok {
		return 0, fmt.Errorf("%w: malformed index header", ErrInvalidToken)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: malformed index header", ErrInvalidToken)
	}
	return n, nil
}
