package models

import "time"

// Article is the local projection of one posted message. Rows are read-only
// after insert; a segment's article row may be absent when the segment was
// fetched from cache rather than posted by this process.
type Article struct {
	MessageID string `gorm:"primaryKey;size:255" json:"message_id"`
	Group     string `gorm:"not null;index;size:255" json:"group"`
	Subject   string `gorm:"not null;size:64" json:"subject"`

	SizeLines int    `gorm:"not null" json:"size_lines"`
	Server    string `gorm:"size:255" json:"server"`

	PostedAt time.Time `gorm:"not null" json:"posted_at"`
}

// TableName returns the table name for Article.
func (Article) TableName() string {
	return "articles"
}
