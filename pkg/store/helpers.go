package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Generic GORM helpers shared by the per-entity operation files. They
// operate on the raw *gorm.DB and handle context propagation, preloading,
// not-found conversion, and unique-constraint detection in one place.

// getByField retrieves a single record of type T by matching field=value,
// converting gorm.ErrRecordNotFound to the provided domain error.
func getByField[T any](db *gorm.DB, ctx context.Context, field string, value any, notFoundErr error, preloads ...string) (*T, error) {
	var result T
	q := db.WithContext(ctx)
	for _, p := range preloads {
		q = q.Preload(p)
	}
	if err := q.Where(field+" = ?", value).First(&result).Error; err != nil {
		return nil, convertNotFoundError(err, notFoundErr)
	}
	return &result, nil
}

// listWhere retrieves all records of type T matching the condition, ordered
// as given. Returns an empty slice on success with no records.
func listWhere[T any](db *gorm.DB, ctx context.Context, order string, cond string, args ...any) ([]*T, error) {
	var results []*T
	q := db.WithContext(ctx)
	if cond != "" {
		q = q.Where(cond, args...)
	}
	if order != "" {
		q = q.Order(order)
	}
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// createWithID assigns a UUID primary key when the entity has none, then
// inserts it. Unique violations convert to dupErr.
func createWithID[T any](db *gorm.DB, ctx context.Context, entity *T, setID func(*T, string), currentID string, dupErr error) (string, error) {
	id := currentID
	if id == "" {
		id = uuid.NewString()
		setID(entity, id)
	}
	if err := db.WithContext(ctx).Create(entity).Error; err != nil {
		if isUniqueConstraintError(err) {
			return "", dupErr
		}
		return "", err
	}
	return id, nil
}
