package share

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Compact binary layout, all integers big-endian:
//
//	[0]      version byte
//	[1]      tier byte (0 open, 1 member, 2 passphrase)
//	[2:18]   share id core (15 decoded base32 bytes, zero padded)
//	[18:26]  folder-id hash prefix
//	[26:28]  folder version
//	[28:32]  creation timestamp, unix seconds
//	[32]     index-ref type (0 single, 1 multi)
//	single:  [33:49] message-id hash prefix
//	multi:   [33] part count, [34:50] first part's message-id hash prefix
//	tail:    4-byte checksum, SHA-256 prefix over everything before it
//
// The encoding is lossy: message ids travel as hash prefixes, so a token
// parsed from it resolves the actual ids from the share record and can
// verify them against the carried hashes.
const (
	binSingleLen = 53
	binMultiLen  = 54

	binIndexSingle = 0
	binIndexMulti  = 1
)

// EncodeBinary renders the compact binary encoding as base64url.
func (t *Token) EncodeBinary() (string, error) {
	core, err := decodeShareIDCore(t.ShareID)
	if err != nil {
		return "", err
	}
	tb, err := tierByte(t.Tier)
	if err != nil {
		return "", err
	}
	prefix, err := hex.DecodeString(t.FolderPrefix)
	if err != nil || len(prefix) != 8 {
		return "", fmt.Errorf("%w: malformed folder prefix", ErrInvalidToken)
	}

	var buf bytes.Buffer
	version := t.Version
	if version == 0 {
		version = TokenVersion
	}
	buf.WriteByte(byte(version))
	buf.WriteByte(tb)
	buf.Write(core)
	buf.WriteByte(0) // pad the 15-byte core to the 16-byte field
	buf.Write(prefix)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(t.FolderVersion))
	buf.Write(u16[:])

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(t.CreatedAt.Unix()))
	buf.Write(u32[:])

	if t.Index.Multi() {
		buf.WriteByte(binIndexMulti)
		buf.WriteByte(byte(len(t.Index.Articles)))
		buf.Write(firstIndexHash(&t.Index))
	} else {
		buf.WriteByte(binIndexSingle)
		buf.Write(firstIndexHash(&t.Index))
	}

	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:4])

	return base64url.EncodeToString(buf.Bytes()), nil
}

// firstIndexHash returns the 16-byte hash field for the index reference:
// the hash of the (first) message id when present, the stored hash when the
// token itself came from a binary payload.
func firstIndexHash(r *IndexRef) []byte {
	switch {
	case r.MessageID != "":
		return messageIDHash(r.MessageID)
	case len(r.Articles) > 0:
		return messageIDHash(r.Articles[0].MessageID)
	case r.MessageIDHash != "":
		if h, err := hex.DecodeString(r.MessageIDHash); err == nil && len(h) == 16 {
			return h
		}
	}
	return make([]byte, 16)
}

// parseBinary decodes and verifies a compact binary payload.
func parseBinary(raw []byte) (*Token, error) {
	if len(raw) != binSingleLen && len(raw) != binMultiLen {
		return nil, fmt.Errorf("%w: binary payload of %d bytes", ErrInvalidToken, len(raw))
	}

	body, chk := raw[:len(raw)-4], raw[len(raw)-4:]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:4], chk) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidToken)
	}

	if raw[0] != TokenVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, raw[0])
	}
	tier, err := tierFromByte(raw[1])
	if err != nil {
		return nil, err
	}

	token := &Token{
		Version:       int(raw[0]),
		Tier:          tier,
		ShareID:       encodeShareIDCore(raw[2:17]),
		FolderPrefix:  hex.EncodeToString(raw[18:26]),
		FolderVersion: int(binary.BigEndian.Uint16(raw[26:28])),
		CreatedAt:     time.Unix(int64(binary.BigEndian.Uint32(raw[28:32])), 0).UTC(),
	}

	switch raw[32] {
	case binIndexSingle:
		if len(raw) != binSingleLen {
			return nil, fmt.Errorf("%w: truncated single index", ErrInvalidToken)
		}
		token.Index = IndexRef{Count: 1, MessageIDHash: hex.EncodeToString(raw[33:49])}
	case binIndexMulti:
		if len(raw) != binMultiLen {
			return nil, fmt.Errorf("%w: truncated multi index", ErrInvalidToken)
		}
		count := int(raw[33])
		if count == 0 {
			return nil, fmt.Errorf("%w: zero index parts", ErrInvalidToken)
		}
		token.Index = IndexRef{Count: count, MessageIDHash: hex.EncodeToString(raw[34:50])}
	default:
		return nil, fmt.Errorf("%w: unknown index-ref type %d", ErrInvalidToken, raw[32])
	}
	return token, nil
}
