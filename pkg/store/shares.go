package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// SHARE OPERATIONS
// ============================================

func (s *Store) GetShare(ctx context.Context, id string) (*models.Share, error) {
	return getByField[models.Share](s.db, ctx, "id", id, models.ErrShareNotFound)
}

// GetShareWithCommitments retrieves a share with its commitment rows
// preloaded, revoked ones included.
func (s *Store) GetShareWithCommitments(ctx context.Context, id string) (*models.Share, error) {
	return getByField[models.Share](s.db, ctx, "id", id, models.ErrShareNotFound, "Commitments")
}

// ListShares retrieves every share of a folder, newest first.
func (s *Store) ListShares(ctx context.Context, folderID string) ([]*models.Share, error) {
	return listWhere[models.Share](s.db, ctx, "created_at DESC", "folder_id = ?", folderID)
}

// CreateShare inserts a share. The caller supplies the identifier; colliding
// on an existing one fails with ErrDuplicateShare.
func (s *Store) CreateShare(ctx context.Context, share *models.Share) error {
	if err := s.db.WithContext(ctx).Create(share).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateShare
		}
		return err
	}
	return nil
}

// SetShareIndex records the posted core-index message ids and the descriptor
// signature once publishing completes.
func (s *Store) SetShareIndex(ctx context.Context, id string, indexMessageIDs []string, signature string) error {
	var share models.Share
	if err := share.SetIndexMessageIDs(indexMessageIDs); err != nil {
		return err
	}
	result := s.db.WithContext(ctx).
		Model(&models.Share{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"index_message_ids": share.IndexMessageIDs,
			"signature":         signature,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrShareNotFound
	}
	return nil
}

// SetShareExpiry moves a share's expiry. A nil time clears it, making the
// share permanent.
func (s *Store) SetShareExpiry(ctx context.Context, id string, at *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Share{}).
		Where("id = ?", id).
		Update("expires_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrShareNotFound
	}
	return nil
}

// RevokeShare marks a share revoked. Already-revoked shares are left alone.
func (s *Store) RevokeShare(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.Share{}).
		Where("id = ? AND revoked = ?", id, false).
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Share{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return models.ErrShareNotFound
		}
	}
	return nil
}

// ============================================
// MEMBER COMMITMENT OPERATIONS
// ============================================

// GetCommitment retrieves the commitment row for (share, user), live or
// revoked.
func (s *Store) GetCommitment(ctx context.Context, shareID, userID string) (*models.MemberCommitment, error) {
	var c models.MemberCommitment
	err := s.db.WithContext(ctx).
		Where("share_id = ? AND user_id = ?", shareID, userID).
		First(&c).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrCommitmentNotFound)
	}
	return &c, nil
}

// ListLiveCommitments retrieves the currently-granting commitments of a
// share.
func (s *Store) ListLiveCommitments(ctx context.Context, shareID string) ([]*models.MemberCommitment, error) {
	return listWhere[models.MemberCommitment](s.db, ctx, "granted_at ASC",
		"share_id = ? AND revoked_at IS NULL", shareID)
}

// GrantCommitment inserts a member grant, or revives a previously revoked
// row for the same (share, user) with the fresh wrapped key. Granting twice
// while live fails with ErrDuplicateCommitment.
func (s *Store) GrantCommitment(ctx context.Context, c *models.MemberCommitment) (string, error) {
	var id string
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		var existing models.MemberCommitment
		err := tx.Where("share_id = ? AND user_id = ?", c.ShareID, c.UserID).First(&existing).Error
		switch {
		case err == nil:
			if existing.Live() {
				return models.ErrDuplicateCommitment
			}
			id = existing.ID
			return tx.Model(&existing).Updates(map[string]any{
				"user_public_key": c.UserPublicKey,
				"commitment_hash": c.CommitmentHash,
				"wrapped_key":     c.WrappedKey,
				"permissions":     c.Permissions,
				"granted_at":      c.GrantedAt,
				"revoked_at":      nil,
			}).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			var createErr error
			id, createErr = createWithID(tx, ctx, c, func(m *models.MemberCommitment, v string) { m.ID = v }, c.ID, models.ErrDuplicateCommitment)
			return createErr

		default:
			return err
		}
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// RevokeCommitment stamps the revocation time and clears the wrapped key, so
// the store retains no sealed copy for the user.
func (s *Store) RevokeCommitment(ctx context.Context, shareID, userID string, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&models.MemberCommitment{}).
		Where("share_id = ? AND user_id = ? AND revoked_at IS NULL", shareID, userID).
		Updates(map[string]any{
			"revoked_at":  at,
			"wrapped_key": "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrCommitmentNotFound
	}
	return nil
}
