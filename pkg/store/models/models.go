// Package models defines the persisted entities shared by every store
// engine: folders, file versions, segments, shares, commitments, articles,
// and queue jobs.
package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Folder{},
		&File{},
		&Segment{},
		&PackedSegment{},
		&Share{},
		&MemberCommitment{},
		&Article{},
		&UploadJob{},
	}
}
