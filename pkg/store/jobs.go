package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ============================================
// UPLOAD QUEUE OPERATIONS
// ============================================

func (s *Store) GetJob(ctx context.Context, id string) (*models.UploadJob, error) {
	return getByField[models.UploadJob](s.db, ctx, "id", id, models.ErrJobNotFound)
}

// EnqueueJob inserts a queue item. QueuedAt is stamped here so FIFO ordering
// within a priority band follows enqueue time, not row creation quirks.
func (s *Store) EnqueueJob(ctx context.Context, job *models.UploadJob) (string, error) {
	if job.State == "" {
		job.State = models.JobQueued
	}
	if job.Priority == 0 {
		job.Priority = models.PriorityNormal
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now()
	}
	return createWithID(s.db, ctx, job, func(j *models.UploadJob, id string) { j.ID = id }, job.ID, models.ErrJobNotFound)
}

// LeaseNextJob atomically claims the next runnable item for a worker:
// highest priority first, FIFO within a band, retrying items eligible
// alongside queued ones. Returns ErrJobNotFound when the queue is drained.
func (s *Store) LeaseNextJob(ctx context.Context, sessionID, workerID string) (*models.UploadJob, error) {
	var job models.UploadJob
	err := s.Transaction(ctx, func(tx *gorm.DB) error {
		q := tx.
			Where("state IN ?", []string{models.JobQueued, models.JobRetrying}).
			Order("priority ASC, queued_at ASC")
		if sessionID != "" {
			q = q.Where("session_id = ?", sessionID)
		}
		if err := q.First(&job).Error; err != nil {
			return convertNotFoundError(err, models.ErrJobNotFound)
		}

		now := time.Now()
		result := tx.Model(&models.UploadJob{}).
			Where("id = ? AND state IN ?", job.ID, []string{models.JobQueued, models.JobRetrying}).
			Updates(map[string]any{
				"state":      models.JobRunning,
				"worker_id":  workerID,
				"started_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrJobNotFound
		}

		job.State = models.JobRunning
		job.WorkerID = workerID
		job.StartedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteJob finalizes a running item.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	now := time.Now()
	return s.updateJobState(ctx, id, []string{models.JobRunning}, map[string]any{
		"state":        models.JobCompleted,
		"completed_at": now,
	})
}

// FailJob records a failure. While retries remain the item goes back to
// retrying with its priority bumped one band down, never below the normal
// band, so persistent failures stop starving fresh work without sinking to
// the bottom of the queue; once exhausted the item lands in failed.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var job models.UploadJob
		if err := tx.Where("id = ?", id).First(&job).Error; err != nil {
			return convertNotFoundError(err, models.ErrJobNotFound)
		}
		if job.Terminal() {
			return models.ErrInvalidTransition
		}

		updates := map[string]any{
			"retry_count":   job.RetryCount + 1,
			"error_message": errMsg,
		}
		if job.RetryCount+1 >= job.MaxRetries {
			now := time.Now()
			updates["state"] = models.JobFailed
			updates["completed_at"] = now
		} else {
			updates["state"] = models.JobRetrying
			if job.Priority < models.PriorityNormal {
				updates["priority"] = job.Priority + 1
			}
		}
		return tx.Model(&job).Updates(updates).Error
	})
}

// FailJobFinal moves an item straight to failed regardless of remaining
// retries. Used for errors classified non-retryable.
func (s *Store) FailJobFinal(ctx context.Context, id string, errMsg string) error {
	now := time.Now()
	return s.updateJobState(ctx, id,
		[]string{models.JobQueued, models.JobRunning, models.JobRetrying},
		map[string]any{
			"state":         models.JobFailed,
			"error_message": errMsg,
			"completed_at":  now,
		})
}

// RequeueJob returns a running item to the queue untouched. A paused worker
// uses it to yield an in-flight item at a segment boundary.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	return s.updateJobState(ctx, id, []string{models.JobRunning}, map[string]any{
		"state":      models.JobQueued,
		"worker_id":  "",
		"started_at": nil,
	})
}

// CancelJob cancels a non-terminal item.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	now := time.Now()
	return s.updateJobState(ctx, id,
		[]string{models.JobQueued, models.JobRunning, models.JobRetrying, models.JobPaused, models.JobFailed},
		map[string]any{
			"state":        models.JobCancelled,
			"completed_at": now,
		})
}

// PauseSession parks every queued or retrying item of a session.
func (s *Store) PauseSession(ctx context.Context, sessionID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Where("session_id = ? AND state IN ?", sessionID, []string{models.JobQueued, models.JobRetrying}).
		Update("state", models.JobPaused)
	return result.RowsAffected, result.Error
}

// ResumeSession returns a session's paused items to the queue.
func (s *Store) ResumeSession(ctx context.Context, sessionID string) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Where("session_id = ? AND state = ?", sessionID, models.JobPaused).
		Update("state", models.JobQueued)
	return result.RowsAffected, result.Error
}

// CancelSession cancels every non-terminal item of a session.
func (s *Store) CancelSession(ctx context.Context, sessionID string) (int64, error) {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Where("session_id = ? AND state IN ?", sessionID,
			[]string{models.JobQueued, models.JobRunning, models.JobRetrying, models.JobPaused, models.JobFailed}).
		Updates(map[string]any{
			"state":        models.JobCancelled,
			"completed_at": now,
		})
	return result.RowsAffected, result.Error
}

// RequeueOrphanedJobs returns items left in running by a crashed process to
// the queue. Called once at startup before workers spin up.
func (s *Store) RequeueOrphanedJobs(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Where("state = ?", models.JobRunning).
		Updates(map[string]any{
			"state":      models.JobQueued,
			"worker_id":  "",
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// ListSessionJobs retrieves a session's items in queue order.
func (s *Store) ListSessionJobs(ctx context.Context, sessionID string) ([]*models.UploadJob, error) {
	return listWhere[models.UploadJob](s.db, ctx, "priority ASC, queued_at ASC", "session_id = ?", sessionID)
}

// JobStateCounts aggregates queue items by state, optionally scoped to a
// session.
func (s *Store) JobStateCounts(ctx context.Context, sessionID string) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	q := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Select("state, COUNT(*) AS n").
		Group("state")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

// updateJobState applies updates when the item is in one of the allowed
// states, distinguishing a missing row from a refused transition.
func (s *Store) updateJobState(ctx context.Context, id string, from []string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.UploadJob{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.UploadJob{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return models.ErrJobNotFound
		}
		return models.ErrInvalidTransition
	}
	return nil
}
