package models

import "time"

// Job states. Completed and cancelled are terminal; the check constraint
// rejects unknown values and UpdateJobState refuses transitions out of a
// terminal state.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobRetrying  = "retrying"
	JobPaused    = "paused"
)

// Queue priorities. Lower value means higher priority.
const (
	PriorityHighest = 1
	PriorityHigh    = 3
	PriorityNormal  = 5
	PriorityLow     = 8
	PriorityLowest  = 10
)

// Entity kinds an upload job may reference.
const (
	EntityFolder = "folder"
	EntityFile   = "file"
	EntitySegment = "segment"
	EntityPacked  = "packed"
)

// UploadJob is one persisted unit of queue work. The queue lives in the
// store so a process restart resumes cleanly without losing items.
type UploadJob struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	EntityType string `gorm:"not null;size:16" json:"entity_type"`
	EntityID   string `gorm:"not null;index;size:36" json:"entity_id"`

	State    string `gorm:"not null;default:queued;index;size:16;check:state IN ('queued','running','completed','failed','cancelled','retrying','paused')" json:"state"`
	Priority int    `gorm:"not null;default:5;index;check:priority BETWEEN 1 AND 10" json:"priority"`

	RetryCount int `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries int `gorm:"not null;default:3" json:"max_retries"`

	Size      int64  `gorm:"not null;default:0" json:"size"`
	SessionID string `gorm:"index;size:36" json:"session_id,omitempty"`
	WorkerID  string `gorm:"size:64" json:"worker_id,omitempty"`

	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	QueuedAt    time.Time  `gorm:"not null;index" json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the table name for UploadJob.
func (UploadJob) TableName() string {
	return "upload_queue"
}

// Terminal reports whether the job state permits no further transitions.
func (j *UploadJob) Terminal() bool {
	return j.State == JobCompleted || j.State == JobCancelled
}
