package models

import "time"

// Change kinds recorded by the indexer.
const (
	ChangeAdded     = "added"
	ChangeModified  = "modified"
	ChangeDeleted   = "deleted"
	ChangeUnchanged = "unchanged"
)

// File is one version of one file within a folder. A new row appears whenever
// the content hash changes; deleted versions are tombstones carrying no
// segments. (folder, path, version) is unique.
type File struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	FolderID string `gorm:"not null;index;uniqueIndex:idx_folder_path_version;size:36" json:"folder_id"`
	Path     string `gorm:"not null;uniqueIndex:idx_folder_path_version;size:4096" json:"path"`
	Version  int    `gorm:"not null;uniqueIndex:idx_folder_path_version" json:"version"`

	PreviousVersion *int `json:"previous_version,omitempty"`

	Size        int64  `gorm:"not null" json:"size"`
	ContentHash string `gorm:"not null;index;size:64" json:"content_hash"`
	MimeType    string `gorm:"size:255" json:"mime_type"`
	ChangeKind  string `gorm:"not null;size:16" json:"change_kind"`

	SegmentSize      int64 `gorm:"not null;default:0" json:"segment_size"`
	TotalSegments    int   `gorm:"not null;default:0" json:"total_segments"`
	UploadedSegments int   `gorm:"not null;default:0" json:"uploaded_segments"`

	// EncryptionKeyRef names the key that sealed this file's segments:
	// "folder" for the folder content key or a share identifier.
	EncryptionKeyRef string `gorm:"size:36" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	Folder Folder `gorm:"foreignKey:FolderID" json:"-"`
}

// TableName returns the table name for File.
func (File) TableName() string {
	return "files"
}

// Deleted reports whether this version is a tombstone.
func (f *File) Deleted() bool {
	return f.ChangeKind == ChangeDeleted
}
