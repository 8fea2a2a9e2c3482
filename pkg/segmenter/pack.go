package segmenter

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// planPacked groups sub-threshold files into packed containers and persists
// one container plan per bin. Files never split across containers: a file
// that does not fit the open bin starts the next one.
func (sg *Segmenter) planPacked(ctx context.Context, folder *models.Folder, files []*models.File, key []byte, signer *crypto.Signer) (int, error) {
	if len(files) == 0 {
		return 0, nil
	}

	containers := 0
	var bin []*models.File
	binSize := int64(0)

	flush := func() error {
		if len(bin) == 0 {
			return nil
		}
		if err := sg.packBin(ctx, folder, bin, binSize, key, signer); err != nil {
			return err
		}
		containers++
		bin = bin[:0]
		binSize = 0
		return nil
	}

	for _, f := range files {
		if binSize+f.Size > sg.config.SegmentSize && len(bin) > 0 {
			if err := flush(); err != nil {
				return containers, err
			}
		}
		bin = append(bin, f)
		binSize += f.Size
	}
	if err := flush(); err != nil {
		return containers, err
	}
	return containers, nil
}

// packBin seals one container: the concatenated member plaintexts become a
// single logical segment, and each member records its window inside the
// body. Member rows mirror the container's redundancy copies so per-file
// upload accounting works without touching the container.
func (sg *Segmenter) packBin(ctx context.Context, folder *models.Folder, bin []*models.File, totalBytes int64, key []byte, signer *crypto.Signer) error {
	body := make([]byte, 0, totalBytes)
	type window struct {
		file       *models.File
		start, end int64
	}
	windows := make([]window, 0, len(bin))

	for _, f := range bin {
		start := int64(len(body))
		if f.Size > 0 {
			src, err := openSource(filepath.Join(folder.Path, filepath.FromSlash(f.Path)))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", f.Path, err)
			}
			data, err := src.Range(0, src.Size())
			if err != nil {
				src.Close()
				return err
			}
			body = append(body, data...)
			src.Close()
		}
		windows = append(windows, window{file: f, start: start, end: int64(len(body))})
	}

	if int64(len(body)) != totalBytes {
		return fmt.Errorf("packed body is %d bytes, planned %d", len(body), totalBytes)
	}

	packedID, err := crypto.NewID()
	if err != nil {
		return err
	}
	compression := "none"
	if sg.config.Compression {
		compression = "zlib"
	}
	packed := &models.PackedSegment{
		ID:          packedID,
		FolderID:    folder.ID,
		TotalBytes:  totalBytes,
		FileCount:   len(bin),
		Compression: compression,
	}

	containerRows, err := sg.sealSegment(body, key, signer, folder.TargetGroup)
	if err != nil {
		return err
	}
	for _, row := range containerRows {
		row.OffsetStart = 0
		row.OffsetEnd = totalBytes
	}

	rows := containerRows
	for _, w := range windows {
		memberSegID, err := crypto.NewID()
		if err != nil {
			return err
		}
		for r := 0; r < sg.config.Redundancy; r++ {
			id, err := crypto.NewID()
			if err != nil {
				return err
			}
			rows = append(rows, &models.Segment{
				ID:              id,
				SegmentID:       memberSegID,
				RedundancyIndex: r,
				FileID:          w.file.ID,
				PlainSize:       w.file.Size,
				OffsetStart:     w.start,
				OffsetEnd:       w.end,
				Group:           folder.TargetGroup,
				State:           models.SegmentPending,
			})
		}
	}

	if err := sg.store.CreatePackedSegment(ctx, packed, rows); err != nil {
		return err
	}
	for _, w := range windows {
		if err := sg.store.SetFileSegmentation(ctx, w.file.ID, sg.config.SegmentSize, 1, KeyRefFolder); err != nil {
			return err
		}
	}

	logger.DebugCtx(ctx, "packed container planned",
		logger.Segment(packedID),
		"members", len(bin),
		logger.Size(totalBytes))
	return nil
}
