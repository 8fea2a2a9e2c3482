package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// SEGMENT OPERATIONS
// ============================================

func (s *Store) GetSegment(ctx context.Context, id string) (*models.Segment, error) {
	return getByField[models.Segment](s.db, ctx, "id", id, models.ErrSegmentNotFound)
}

// GetSegmentCopies retrieves all redundancy copies of a logical segment in
// redundancy order.
func (s *Store) GetSegmentCopies(ctx context.Context, segmentID string) ([]*models.Segment, error) {
	copies, err := listWhere[models.Segment](s.db, ctx, "redundancy_index ASC", "segment_id = ?", segmentID)
	if err != nil {
		return nil, err
	}
	if len(copies) == 0 {
		return nil, models.ErrSegmentNotFound
	}
	return copies, nil
}

// ListFileSegments retrieves every segment row belonging to a file, primary
// copies first, then by position.
func (s *Store) ListFileSegments(ctx context.Context, fileID string) ([]*models.Segment, error) {
	return listWhere[models.Segment](s.db, ctx, "segment_index ASC, redundancy_index ASC", "file_id = ?", fileID)
}

// ListPackedContainerCopies retrieves a packed container's own redundancy
// copy rows, the ones carrying the sealed body, in redundancy order.
func (s *Store) ListPackedContainerCopies(ctx context.Context, packedID string) ([]*models.Segment, error) {
	copies, err := listWhere[models.Segment](s.db, ctx, "redundancy_index ASC", "packed_segment_id = ? AND file_id = ''", packedID)
	if err != nil {
		return nil, err
	}
	if len(copies) == 0 {
		return nil, models.ErrSegmentNotFound
	}
	return copies, nil
}

// ListPackedMembers retrieves the member segment rows of a packed container
// in offset order.
func (s *Store) ListPackedMembers(ctx context.Context, packedID string) ([]*models.Segment, error) {
	return listWhere[models.Segment](s.db, ctx, "offset_start ASC", "packed_segment_id = ? AND file_id <> ''", packedID)
}

// CreateSegments inserts segment rows in batches inside one transaction, so
// a file's plan lands atomically.
func (s *Store) CreateSegments(ctx context.Context, segments []*models.Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(segments, defaultScanBatchSize).Error
	})
}

// CreatePackedSegment inserts a packed container together with its member
// segment rows atomically.
func (s *Store) CreatePackedSegment(ctx context.Context, packed *models.PackedSegment, members []*models.Segment) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(packed).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		for _, m := range members {
			m.PackedSegmentID = packed.ID
		}
		return tx.CreateInBatches(members, defaultScanBatchSize).Error
	})
}

func (s *Store) GetPackedSegment(ctx context.Context, id string) (*models.PackedSegment, error) {
	return getByField[models.PackedSegment](s.db, ctx, "id", id, models.ErrSegmentNotFound)
}

// MarkSegmentUploading moves a pending or failed copy into uploading and
// bumps its attempt counter. Terminal copies refuse the transition.
func (s *Store) MarkSegmentUploading(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Where("id = ? AND state IN ?", id, []string{models.SegmentPending, models.SegmentFailed}).
		Updates(map[string]any{
			"state":         models.SegmentUploading,
			"attempt_count": gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.segmentTransitionError(ctx, id)
	}
	return nil
}

// MarkSegmentUploaded finalizes a copy with its posted message id.
func (s *Store) MarkSegmentUploaded(ctx context.Context, id, messageID string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Where("id = ? AND state = ?", id, models.SegmentUploading).
		Updates(map[string]any{
			"state":      models.SegmentUploaded,
			"message_id": messageID,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.segmentTransitionError(ctx, id)
	}
	return nil
}

// MarkSegmentFailed records a failed attempt; the copy stays eligible for
// retry.
func (s *Store) MarkSegmentFailed(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Where("id = ? AND state = ?", id, models.SegmentUploading).
		Update("state", models.SegmentFailed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.segmentTransitionError(ctx, id)
	}
	return nil
}

// CancelPendingSegments cancels every non-terminal copy of a file. Used when
// an upload session is cancelled outright.
func (s *Store) CancelPendingSegments(ctx context.Context, fileID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Where("file_id = ? AND state IN ?", fileID, []string{models.SegmentPending, models.SegmentUploading, models.SegmentFailed}).
		Update("state", models.SegmentCancelled)
	return result.RowsAffected, result.Error
}

// ListUploadableSegments retrieves copies still needing a post for a folder
// version, oldest first, capped at limit.
func (s *Store) ListUploadableSegments(ctx context.Context, folderID string, version int, limit int) ([]*models.Segment, error) {
	var segments []*models.Segment
	q := s.db.WithContext(ctx).
		Joins("JOIN files ON files.id = segments.file_id").
		Where("files.folder_id = ? AND files.version = ?", folderID, version).
		Where("segments.state IN ?", []string{models.SegmentPending, models.SegmentFailed}).
		Order("segments.created_at ASC, segments.segment_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&segments).Error; err != nil {
		return nil, err
	}
	return segments, nil
}

// ListPostableSegments retrieves the copies of a folder version that still
// need a post: plain file segments plus packed-container copies. Packed
// member rows are excluded; they ride along with their container. Oldest
// first, capped at limit.
func (s *Store) ListPostableSegments(ctx context.Context, folderID string, version int, limit int) ([]*models.Segment, error) {
	pending := []string{models.SegmentPending, models.SegmentFailed}

	var plain []*models.Segment
	q := s.db.WithContext(ctx).
		Joins("JOIN files ON files.id = segments.file_id").
		Where("files.folder_id = ? AND files.version = ?", folderID, version).
		Where("segments.packed_segment_id = ''").
		Where("segments.state IN ?", pending).
		Order("segments.created_at ASC, segments.segment_index ASC, segments.redundancy_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&plain).Error; err != nil {
		return nil, err
	}

	// A container belongs to the version its member files carry; containers
	// packed for a superseded version must not surface here.
	var containers []*models.Segment
	q = s.db.WithContext(ctx).
		Joins("JOIN packed_segments ON packed_segments.id = segments.packed_segment_id").
		Where("packed_segments.folder_id = ?", folderID).
		Where("segments.file_id = ''").
		Where("segments.state IN ?", pending).
		Where(`EXISTS (
			SELECT 1 FROM segments members
			JOIN files ON files.id = members.file_id
			WHERE members.packed_segment_id = segments.packed_segment_id
			  AND members.file_id <> ''
			  AND files.version = ?
		)`, version).
		Order("segments.created_at ASC, segments.redundancy_index ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&containers).Error; err != nil {
		return nil, err
	}

	return append(plain, containers...), nil
}

// MarkPackedMembersUploaded finalizes the member rows riding on one posted
// container copy, and stamps the container's first message id.
func (s *Store) MarkPackedMembersUploaded(ctx context.Context, packedID string, redundancyIndex int, messageID string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		err := tx.Model(&models.Segment{}).
			Where("packed_segment_id = ? AND redundancy_index = ? AND file_id <> ''", packedID, redundancyIndex).
			Where("state NOT IN ?", []string{models.SegmentUploaded, models.SegmentCancelled}).
			Updates(map[string]any{
				"state":      models.SegmentUploaded,
				"message_id": messageID,
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.PackedSegment{}).
			Where("id = ? AND message_id = ''", packedID).
			Update("message_id", messageID).Error
	})
}

// SegmentStateCounts aggregates a file's copies by state.
func (s *Store) SegmentStateCounts(ctx context.Context, fileID string) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Select("state, COUNT(*) AS n").
		Where("file_id = ?", fileID).
		Group("state").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// StaleUploadingSegments retrieves copies stuck in uploading since before
// cutoff. Crash recovery resets these to pending on startup.
func (s *Store) StaleUploadingSegments(ctx context.Context, cutoff time.Time) ([]*models.Segment, error) {
	return listWhere[models.Segment](s.db, ctx, "updated_at ASC",
		"state = ? AND updated_at < ?", models.SegmentUploading, cutoff)
}

// ResetStaleUploading moves copies stuck in uploading since before cutoff
// back to pending.
func (s *Store) ResetStaleUploading(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.Segment{}).
		Where("state = ? AND updated_at < ?", models.SegmentUploading, cutoff).
		Update("state", models.SegmentPending)
	return result.RowsAffected, result.Error
}

// segmentTransitionError distinguishes a missing row from a refused
// transition after a guarded update matched nothing.
func (s *Store) segmentTransitionError(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Segment{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return models.ErrSegmentNotFound
	}
	return models.ErrInvalidTransition
}
