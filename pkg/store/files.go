package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// FILE OPERATIONS
// ============================================

// defaultScanBatchSize is the keyset-pagination page size used when the
// caller passes zero.
const defaultScanBatchSize = 1000

func (s *Store) GetFile(ctx context.Context, id string) (*models.File, error) {
	return getByField[models.File](s.db, ctx, "id", id, models.ErrFileNotFound)
}

// GetFileVersion retrieves one specific version of a file within a folder.
func (s *Store) GetFileVersion(ctx context.Context, folderID, path string, version int) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND path = ? AND version = ?", folderID, path, version).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetLatestFileVersion retrieves the newest version of a file within a
// folder, tombstones included.
func (s *Store) GetLatestFileVersion(ctx context.Context, folderID, path string) (*models.File, error) {
	var file models.File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND path = ?", folderID, path).
		Order("version DESC").
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// ListFilesAtVersion lists the live files of a folder as of a folder version:
// for each path, the newest row at or below the version, skipping tombstones.
func (s *Store) ListFilesAtVersion(ctx context.Context, folderID string, version int) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where(`folder_id = ? AND version <= ? AND id IN (
			SELECT f2.id FROM files f2
			WHERE f2.folder_id = ? AND f2.version <= ?
			AND f2.version = (
				SELECT MAX(f3.version) FROM files f3
				WHERE f3.folder_id = f2.folder_id AND f3.path = f2.path AND f3.version <= ?
			)
		)`, folderID, version, folderID, version, version).
		Where("change_kind <> ?", models.ChangeDeleted).
		Order("path ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// ListLatestFiles retrieves the newest row of every path in a folder,
// tombstones included. The indexer diffs a fresh scan against this set.
func (s *Store) ListLatestFiles(ctx context.Context, folderID string) ([]*models.File, error) {
	var files []*models.File
	err := s.db.WithContext(ctx).
		Where(`folder_id = ? AND version = (
			SELECT MAX(f2.version) FROM files f2
			WHERE f2.folder_id = files.folder_id AND f2.path = files.path
		)`, folderID).
		Order("path ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CreateFiles inserts file rows in batches. Used by the indexer to persist a
// scan without holding the whole folder in one statement.
func (s *Store) CreateFiles(ctx context.Context, files []*models.File) error {
	if len(files) == 0 {
		return nil
	}
	return s.withBusyRetry(ctx, func() error {
		err := s.db.WithContext(ctx).CreateInBatches(files, defaultScanBatchSize).Error
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateFile
		}
		return err
	})
}

// UpsertFile inserts a file row, replacing an existing (folder, path, version)
// row in place. Re-running an interrupted index pass converges instead of
// failing on the unique index.
func (s *Store) UpsertFile(ctx context.Context, file *models.File) error {
	return s.withBusyRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "folder_id"}, {Name: "path"}, {Name: "version"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"size", "content_hash", "mime_type", "change_kind",
					"segment_size", "total_segments", "uploaded_segments",
					"encryption_key_ref", "previous_version",
				}),
			}).
			Create(file).Error
	})
}

// SetFileSegmentation records the segmentation plan chosen for a file and
// the key that seals its segments.
func (s *Store) SetFileSegmentation(ctx context.Context, id string, segmentSize int64, totalSegments int, keyRef string) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"segment_size":       segmentSize,
			"total_segments":     totalSegments,
			"encryption_key_ref": keyRef,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// IncrementUploadedSegments bumps the uploaded-segment counter by delta.
func (s *Store) IncrementUploadedSegments(ctx context.Context, id string, delta int) error {
	result := s.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", id).
		Update("uploaded_segments", gorm.Expr("uploaded_segments + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFileNotFound
	}
	return nil
}

// ScanFiles streams every file row of a folder version through fn in
// deterministic path order using keyset pagination, so arbitrarily large
// folders never materialize in memory. fn returning an error stops the scan.
func (s *Store) ScanFiles(ctx context.Context, folderID string, version int, batchSize int, fn func(*models.File) error) error {
	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}

	lastPath := ""
	for {
		var page []*models.File
		q := s.db.WithContext(ctx).
			Where("folder_id = ? AND version = ?", folderID, version).
			Order("path ASC").
			Limit(batchSize)
		if lastPath != "" {
			q = q.Where("path > ?", lastPath)
		}
		if err := q.Find(&page).Error; err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for _, f := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(f); err != nil {
				return err
			}
		}

		lastPath = page[len(page)-1].Path
		if len(page) < batchSize {
			return nil
		}
	}
}

// CountFilesByChange aggregates file rows of one folder version by change
// kind.
func (s *Store) CountFilesByChange(ctx context.Context, folderID string, version int) (map[string]int64, error) {
	type row struct {
		ChangeKind string
		N          int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.File{}).
		Select("change_kind, COUNT(*) AS n").
		Where("folder_id = ? AND version = ?", folderID, version).
		Group("change_kind").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.ChangeKind] = r.N
	}
	return out, nil
}
