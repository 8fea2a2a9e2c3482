package models

import "time"

// Folder is a tracked local directory tree. The identifier is generated once
// at creation and never changes; the signing public key is published with the
// first share and pinned by recipients thereafter.
type Folder struct {
	ID   string `gorm:"primaryKey;size:36" json:"id"`
	Path string `gorm:"uniqueIndex;not null;size:4096" json:"path"`
	Name string `gorm:"not null;size:255" json:"name"`

	// SigningKeySeed is the base64 Ed25519 seed; PublicKey is the matching
	// base64 public key. Generated on first use, loaded once and cached.
	SigningKeySeed string `gorm:"not null;size:64" json:"-"`
	PublicKey      string `gorm:"not null;size:64" json:"public_key"`

	// Version increments monotonically on every re-index that found changes.
	Version int `gorm:"not null;default:0" json:"version"`

	FileCount int64 `gorm:"not null;default:0" json:"file_count"`
	TotalSize int64 `gorm:"not null;default:0" json:"total_size"`

	Encrypted       bool   `gorm:"not null;default:true" json:"encrypted"`
	RedundancyLevel int    `gorm:"not null;default:1" json:"redundancy_level"`
	TargetGroup     string `gorm:"not null;size:255" json:"target_group"`

	// ContentKey is the base64 per-folder content-encryption key, used when
	// segments are sealed before any share exists.
	ContentKey string `gorm:"size:64" json:"-"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Folder.
func (Folder) TableName() string {
	return "folders"
}
