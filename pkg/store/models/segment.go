package models

import "time"

// Segment upload states. Rows never mutate after reaching uploaded; the
// allowed values are enforced with a check constraint.
const (
	SegmentPending   = "pending"
	SegmentUploading = "uploading"
	SegmentUploaded  = "uploaded"
	SegmentFailed    = "failed"
	SegmentCancelled = "cancelled"
)

// Segment is one redundancy copy of one unit of a file's ciphertext, posted
// as exactly one article. Copies of the same logical segment share SegmentID
// and differ in RedundancyIndex; each copy is sealed with its own nonce.
//
// For packed members the row carries the offset window inside the packed
// body and references the container through PackedSegmentID; the container's
// own copy rows have an empty FileID.
type Segment struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`

	// SegmentID is the logical segment identifier shared by all redundancy
	// copies. (segment_id, redundancy_index) is unique.
	SegmentID       string `gorm:"not null;uniqueIndex:idx_segment_copy;size:36" json:"segment_id"`
	RedundancyIndex int    `gorm:"not null;uniqueIndex:idx_segment_copy" json:"redundancy_index"`

	FileID          string `gorm:"index;size:36" json:"file_id,omitempty"`
	PackedSegmentID string `gorm:"index;size:36" json:"packed_segment_id,omitempty"`

	SegmentIndex int `gorm:"not null" json:"segment_index"`

	PlainSize      int64 `gorm:"not null" json:"plain_size"`
	CompressedSize int64 `gorm:"not null;default:0" json:"compressed_size"`

	// OffsetStart/OffsetEnd locate the plaintext inside the source file, or
	// inside the packed body for packed members.
	OffsetStart int64 `gorm:"not null" json:"offset_start"`
	OffsetEnd   int64 `gorm:"not null" json:"offset_end"`

	CiphertextHash string `gorm:"size:64" json:"ciphertext_hash"`
	Nonce          string `gorm:"size:24" json:"-"` // base64, 12 bytes

	MessageID string `gorm:"index;size:255" json:"message_id,omitempty"`
	Subject   string `gorm:"size:64" json:"subject"`
	Group     string `gorm:"size:255" json:"group"`

	State        string `gorm:"not null;default:pending;size:16;check:state IN ('pending','uploading','uploaded','failed','cancelled')" json:"state"`
	AttemptCount int    `gorm:"not null;default:0" json:"attempt_count"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Segment.
func (Segment) TableName() string {
	return "segments"
}

// Terminal reports whether the segment state permits no further transitions.
func (s *Segment) Terminal() bool {
	return s.State == SegmentUploaded || s.State == SegmentCancelled
}

// PackedSegment is one article carrying several small files concatenated.
// Constituent files' segment rows reference it and record their offset
// windows; the container's redundancy copies are segment rows with no file.
type PackedSegment struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	FolderID string `gorm:"not null;index;size:36" json:"folder_id"`

	TotalBytes  int64  `gorm:"not null" json:"total_bytes"`
	FileCount   int    `gorm:"not null" json:"file_count"`
	Compression string `gorm:"size:16" json:"compression"`

	MessageID string `gorm:"size:255" json:"message_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for PackedSegment.
func (PackedSegment) TableName() string {
	return "packed_segments"
}
