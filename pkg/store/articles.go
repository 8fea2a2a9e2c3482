package store

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// ARTICLE OPERATIONS
// ============================================

func (s *Store) GetArticle(ctx context.Context, messageID string) (*models.Article, error) {
	return getByField[models.Article](s.db, ctx, "message_id", messageID, models.ErrArticleNotFound)
}

// RecordArticle inserts the projection of one posted message. Replaying a
// post after a crash is a no-op rather than a constraint error.
func (s *Store) RecordArticle(ctx context.Context, article *models.Article) error {
	return s.withBusyRetry(ctx, func() error {
		return s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(article).Error
	})
}

// ListArticlesByGroup retrieves posted articles for a group in posting
// order, capped at limit.
func (s *Store) ListArticlesByGroup(ctx context.Context, group string, limit int) ([]*models.Article, error) {
	var articles []*models.Article
	q := s.db.WithContext(ctx).
		Where(`"group" = ?`, group).
		Order("posted_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&articles).Error; err != nil {
		return nil, err
	}
	return articles, nil
}

// CountArticles returns the total number of recorded articles.
func (s *Store) CountArticles(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Article{}).Count(&n).Error
	return n, err
}
