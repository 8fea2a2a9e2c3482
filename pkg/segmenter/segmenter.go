// Package segmenter turns indexed files into encrypted segment plans and
// back. Large files are cut into fixed-size segments; files under the pack
// threshold share articles through packed containers. Every logical segment
// is sealed independently N times, one nonce per redundancy copy, so each
// copy posts as an unrelated-looking article.
//
// The plan records nonces and ciphertext hashes but not ciphertext: the
// uploader reproduces each copy bit-for-bit from the source file, the
// stored nonce, and the folder key.
package segmenter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// KeyRefFolder marks segments sealed with the folder content key.
const KeyRefFolder = "folder"

// Config controls segmentation geometry.
type Config struct {
	// SegmentSize is the plaintext bytes per segment.
	SegmentSize int64

	// PackThreshold is the size below which files pack together. A packed
	// body never exceeds SegmentSize and never splits a file across
	// containers.
	PackThreshold int64

	// Redundancy is the number of copies posted per logical segment.
	Redundancy int

	// Compression toggles zlib before encryption.
	Compression bool
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 768_000
	}
	if c.PackThreshold < 0 {
		c.PackThreshold = 0
	}
	if c.PackThreshold > c.SegmentSize {
		c.PackThreshold = c.SegmentSize
	}
	if c.Redundancy < 1 {
		c.Redundancy = 1
	}
}

// Result summarizes one planning pass.
type Result struct {
	Files       int // files cut into their own segments
	PackedFiles int // files placed into packed containers
	Containers  int
	Segments    int // logical segments
	Articles    int // postable copies (segments × redundancy)
}

// Segmenter plans segments for indexed folders.
type Segmenter struct {
	store  *store.Store
	config Config
}

// New creates a segmenter.
func New(st *store.Store, config Config) *Segmenter {
	config.ApplyDefaults()
	return &Segmenter{store: st, config: config}
}

// Config returns the active configuration after defaulting.
func (sg *Segmenter) Config() Config {
	return sg.config
}

// SegmentFolder plans segments for every file of the folder's current
// version that has content and no plan yet. Safe to re-run: planned files
// are skipped.
func (sg *Segmenter) SegmentFolder(ctx context.Context, folderID string) (*Result, error) {
	folder, err := sg.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	key, signer, err := FolderKeys(folder)
	if err != nil {
		return nil, err
	}

	ctx = logger.WithContext(ctx, logger.NewLogContext("segment").WithFolder(folderID))

	files, err := sg.store.ListFilesAtVersion(ctx, folderID, folder.Version)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	var toPack []*models.File

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.TotalSegments > 0 || f.Version != folder.Version {
			continue // already planned, or carried over unchanged
		}
		if f.ChangeKind == models.ChangeUnchanged {
			continue
		}

		if f.Size < sg.config.PackThreshold {
			toPack = append(toPack, f)
			continue
		}
		if err := sg.planFile(ctx, folder, f, key, signer); err != nil {
			return nil, fmt.Errorf("failed to segment %s: %w", f.Path, err)
		}
		result.Files++
		n := totalSegments(f.Size, sg.config.SegmentSize)
		result.Segments += n
		result.Articles += n * sg.config.Redundancy
	}

	packed, err := sg.planPacked(ctx, folder, toPack, key, signer)
	if err != nil {
		return nil, err
	}
	result.PackedFiles = len(toPack)
	result.Containers = packed
	result.Segments += packed
	result.Articles += packed * sg.config.Redundancy

	logger.InfoCtx(ctx, "segmentation plan complete",
		"files", result.Files,
		"packed_files", result.PackedFiles,
		"segments", result.Segments,
		"articles", result.Articles)
	return result, nil
}

// totalSegments returns the segment count for a file size: ceil division,
// with no zero-byte tail when the size is an exact multiple.
func totalSegments(size, segmentSize int64) int {
	if size == 0 {
		return 1
	}
	return int((size + segmentSize - 1) / segmentSize)
}

// planFile cuts one file into segment rows and persists them.
func (sg *Segmenter) planFile(ctx context.Context, folder *models.Folder, f *models.File, key []byte, signer *crypto.Signer) error {
	src, err := openSource(filepath.Join(folder.Path, filepath.FromSlash(f.Path)))
	if err != nil {
		return err
	}
	defer src.Close()

	if src.Size() != f.Size {
		return fmt.Errorf("%s changed size since indexing (have %d, indexed %d)", f.Path, src.Size(), f.Size)
	}

	n := totalSegments(f.Size, sg.config.SegmentSize)
	rows := make([]*models.Segment, 0, n*sg.config.Redundancy)

	for idx := 0; idx < n; idx++ {
		off := int64(idx) * sg.config.SegmentSize
		length := sg.config.SegmentSize
		if off+length > f.Size {
			length = f.Size - off
		}
		plain, err := src.Range(off, length)
		if err != nil {
			return err
		}

		segRows, err := sg.sealSegment(plain, key, signer, folder.TargetGroup)
		if err != nil {
			return err
		}
		for _, row := range segRows {
			row.FileID = f.ID
			row.SegmentIndex = idx
			row.OffsetStart = off
			row.OffsetEnd = off + length
		}
		rows = append(rows, segRows...)
	}

	if err := sg.store.CreateSegments(ctx, rows); err != nil {
		return err
	}
	return sg.store.SetFileSegmentation(ctx, f.ID, sg.config.SegmentSize, n, KeyRefFolder)
}

// sealSegment produces the N redundancy copy rows for one plaintext body:
// shared logical id and sizes, per-copy nonce, hash, and subject.
func (sg *Segmenter) sealSegment(plain, key []byte, signer *crypto.Signer, group string) ([]*models.Segment, error) {
	segmentID, err := crypto.NewID()
	if err != nil {
		return nil, err
	}

	body := plain
	compressedSize := int64(0)
	if sg.config.Compression && len(plain) > 0 {
		compressed, err := codec.Compress(plain)
		if err != nil {
			return nil, err
		}
		body = compressed
		compressedSize = int64(len(compressed))
	}

	rows := make([]*models.Segment, 0, sg.config.Redundancy)
	for r := 0; r < sg.config.Redundancy; r++ {
		ciphertext, nonce, err := crypto.Encrypt(body, key)
		if err != nil {
			return nil, err
		}
		id, err := crypto.NewID()
		if err != nil {
			return nil, err
		}
		rows = append(rows, &models.Segment{
			ID:              id,
			SegmentID:       segmentID,
			RedundancyIndex: r,
			PlainSize:       int64(len(plain)),
			CompressedSize:  compressedSize,
			CiphertextHash:  crypto.HashHex(ciphertext),
			Nonce:           encodeNonce(nonce),
			Subject:         codec.ObfuscateSubject(signer.HMACKey(), segmentID, r),
			Group:           group,
			State:           models.SegmentPending,
		})
	}
	return rows, nil
}

// FolderKeys loads a folder's content key and signer.
func FolderKeys(folder *models.Folder) ([]byte, *crypto.Signer, error) {
	if folder.ContentKey == "" {
		return nil, nil, fmt.Errorf("folder %s has no content key", folder.ID)
	}
	key, err := decodeKey(folder.ContentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("folder %s content key: %w", folder.ID, err)
	}
	signer, err := crypto.SignerFromEncoded(folder.SigningKeySeed)
	if err != nil {
		return nil, nil, fmt.Errorf("folder %s signing key: %w", folder.ID, err)
	}
	return key, signer, nil
}
