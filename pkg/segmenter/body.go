package segmenter

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

func encodeNonce(nonce []byte) string {
	return base64.StdEncoding.EncodeToString(nonce)
}

func decodeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed nonce: %w", err)
	}
	if len(nonce) != crypto.NonceSize {
		return nil, fmt.Errorf("nonce is %d bytes, want %d", len(nonce), crypto.NonceSize)
	}
	return nonce, nil
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed key: %w", err)
	}
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), crypto.KeySize)
	}
	return key, nil
}

// BodyBuilder reproduces article bodies for a folder's planned segments from
// the local source tree. The uploader posts exactly what the plan promised:
// the rebuilt ciphertext must match the recorded hash, otherwise the source
// drifted since planning and the post is refused.
type BodyBuilder struct {
	store  *store.Store
	folder *models.Folder
	key    []byte
}

// NewBodyBuilder creates a builder bound to one folder.
func NewBodyBuilder(st *store.Store, folder *models.Folder) (*BodyBuilder, error) {
	key, _, err := FolderKeys(folder)
	if err != nil {
		return nil, err
	}
	return &BodyBuilder{store: st, folder: folder, key: key}, nil
}

// Build rebuilds the exact article body for one segment copy.
func (b *BodyBuilder) Build(ctx context.Context, seg *models.Segment) ([]byte, error) {
	plain, err := b.Plaintext(ctx, seg)
	if err != nil {
		return nil, err
	}
	return BuildSegmentBody(plain, seg, b.key)
}

// Plaintext reads the segment's plaintext window from the source tree. For
// packed-container copies the members are re-read and concatenated in offset
// order.
func (b *BodyBuilder) Plaintext(ctx context.Context, seg *models.Segment) ([]byte, error) {
	if seg.FileID != "" {
		f, err := b.store.GetFile(ctx, seg.FileID)
		if err != nil {
			return nil, err
		}
		return b.readWindow(f, seg.OffsetStart, seg.OffsetEnd)
	}

	if seg.PackedSegmentID == "" {
		return nil, fmt.Errorf("segment %s has neither file nor container", seg.ID)
	}
	members, err := b.store.ListPackedMembers(ctx, seg.PackedSegmentID)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, seg.OffsetEnd)
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.SegmentID] {
			continue // one window per member, not per redundancy copy
		}
		seen[m.SegmentID] = true

		f, err := b.store.GetFile(ctx, m.FileID)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) != m.OffsetStart {
			return nil, fmt.Errorf("packed member %s starts at %d, body is at %d", f.Path, m.OffsetStart, len(body))
		}
		data, err := b.readWindow(f, 0, f.Size)
		if err != nil {
			return nil, err
		}
		body = append(body, data...)
	}
	if int64(len(body)) != seg.OffsetEnd {
		return nil, fmt.Errorf("packed body is %d bytes, planned %d", len(body), seg.OffsetEnd)
	}
	return body, nil
}

func (b *BodyBuilder) readWindow(f *models.File, start, end int64) ([]byte, error) {
	src, err := openSource(filepath.Join(b.folder.Path, filepath.FromSlash(f.Path)))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if src.Size() != f.Size {
		return nil, fmt.Errorf("%s changed size since indexing (have %d, indexed %d)", f.Path, src.Size(), f.Size)
	}
	data, err := src.Range(start, end-start)
	if err != nil {
		return nil, err
	}
	// Detach from the mapping before Close.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// BuildSegmentBody seals a plaintext window into the exact ciphertext the
// plan recorded: compress when the plan did, then encrypt under the stored
// nonce and check the result against the recorded hash.
func BuildSegmentBody(plain []byte, seg *models.Segment, key []byte) ([]byte, error) {
	if int64(len(plain)) != seg.PlainSize {
		return nil, fmt.Errorf("segment %s: plaintext is %d bytes, planned %d", seg.SegmentID, len(plain), seg.PlainSize)
	}

	body := plain
	if seg.CompressedSize > 0 {
		compressed, err := codec.Compress(plain)
		if err != nil {
			return nil, err
		}
		if int64(len(compressed)) != seg.CompressedSize {
			return nil, fmt.Errorf("segment %s: compressed to %d bytes, planned %d", seg.SegmentID, len(compressed), seg.CompressedSize)
		}
		body = compressed
	}

	nonce, err := decodeNonce(seg.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.EncryptWithNonce(body, key, nonce)
	if err != nil {
		return nil, err
	}
	if seg.CiphertextHash != "" && crypto.HashHex(ciphertext) != seg.CiphertextHash {
		return nil, fmt.Errorf("segment %s copy %d: source no longer matches plan", seg.SegmentID, seg.RedundancyIndex)
	}
	return ciphertext, nil
}

// OpenSegmentBody reverses BuildSegmentBody on a fetched article body. Hash
// mismatch, authentication failure, and a wrong plaintext length all surface
// as ErrIntegrity so the caller falls over to another redundancy copy.
func OpenSegmentBody(ciphertext []byte, seg *models.Segment, key []byte) ([]byte, error) {
	if seg.CiphertextHash != "" && crypto.HashHex(ciphertext) != seg.CiphertextHash {
		return nil, fmt.Errorf("segment %s copy %d: %w", seg.SegmentID, seg.RedundancyIndex, crypto.ErrIntegrity)
	}

	nonce, err := decodeNonce(seg.Nonce)
	if err != nil {
		return nil, err
	}
	body, err := crypto.Decrypt(ciphertext, nonce, key)
	if err != nil {
		return nil, fmt.Errorf("segment %s copy %d: %w", seg.SegmentID, seg.RedundancyIndex, err)
	}

	if seg.CompressedSize > 0 {
		body, err = codec.Decompress(body)
		if err != nil {
			return nil, fmt.Errorf("segment %s copy %d: %w", seg.SegmentID, seg.RedundancyIndex, crypto.ErrIntegrity)
		}
	}
	if int64(len(body)) != seg.PlainSize {
		return nil, fmt.Errorf("segment %s copy %d: got %d plaintext bytes, want %d: %w",
			seg.SegmentID, seg.RedundancyIndex, len(body), seg.PlainSize, crypto.ErrIntegrity)
	}
	return body, nil
}
