package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// FOLDER OPERATIONS
// ============================================

func (s *Store) GetFolder(ctx context.Context, id string) (*models.Folder, error) {
	return getByField[models.Folder](s.db, ctx, "id", id, models.ErrFolderNotFound)
}

func (s *Store) GetFolderByPath(ctx context.Context, path string) (*models.Folder, error) {
	return getByField[models.Folder](s.db, ctx, "path", path, models.ErrFolderNotFound)
}

func (s *Store) ListFolders(ctx context.Context) ([]*models.Folder, error) {
	return listWhere[models.Folder](s.db, ctx, "created_at ASC", "")
}

// CreateFolder inserts a new folder. Adding the same path twice fails with
// ErrDuplicateFolder.
func (s *Store) CreateFolder(ctx context.Context, folder *models.Folder) (string, error) {
	folder.CreatedAt = time.Now()
	return createWithID(s.db, ctx, folder, func(f *models.Folder, id string) { f.ID = id }, folder.ID, models.ErrDuplicateFolder)
}

// UpdateFolderStats updates the aggregate counters and version after a
// re-index. The identifier is immutable: updates go through a column list
// that can never touch it.
func (s *Store) UpdateFolderStats(ctx context.Context, id string, version int, fileCount, totalSize int64) error {
	result := s.db.WithContext(ctx).
		Model(&models.Folder{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"version":    version,
			"file_count": fileCount,
			"total_size": totalSize,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFolderNotFound
	}
	return nil
}

// UpdateFolderSettings updates the mutable posting settings.
func (s *Store) UpdateFolderSettings(ctx context.Context, id string, redundancyLevel int, targetGroup string, encrypted bool) error {
	result := s.db.WithContext(ctx).
		Model(&models.Folder{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"redundancy_level": redundancyLevel,
			"target_group":     targetGroup,
			"encrypted":        encrypted,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrFolderNotFound
	}
	return nil
}

// DeleteFolder removes a folder and cascades to its files, segments, packed
// segments, shares, and commitments in one transaction.
func (s *Store) DeleteFolder(ctx context.Context, id string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var folder models.Folder
		if err := tx.Where("id = ?", id).First(&folder).Error; err != nil {
			return convertNotFoundError(err, models.ErrFolderNotFound)
		}

		var fileIDs []string
		if err := tx.Model(&models.File{}).Where("folder_id = ?", id).Pluck("id", &fileIDs).Error; err != nil {
			return err
		}
		if len(fileIDs) > 0 {
			if err := tx.Where("file_id IN ?", fileIDs).Delete(&models.Segment{}).Error; err != nil {
				return err
			}
		}

		var packedIDs []string
		if err := tx.Model(&models.PackedSegment{}).Where("folder_id = ?", id).Pluck("id", &packedIDs).Error; err != nil {
			return err
		}
		if len(packedIDs) > 0 {
			if err := tx.Where("packed_segment_id IN ?", packedIDs).Delete(&models.Segment{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("folder_id = ?", id).Delete(&models.PackedSegment{}).Error; err != nil {
			return err
		}

		var shareIDs []string
		if err := tx.Model(&models.Share{}).Where("folder_id = ?", id).Pluck("id", &shareIDs).Error; err != nil {
			return err
		}
		if len(shareIDs) > 0 {
			if err := tx.Where("share_id IN ?", shareIDs).Delete(&models.MemberCommitment{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("folder_id = ?", id).Delete(&models.Share{}).Error; err != nil {
			return err
		}

		if err := tx.Where("folder_id = ?", id).Delete(&models.File{}).Error; err != nil {
			return err
		}

		return tx.Delete(&folder).Error
	})
}
