package models

import (
	"encoding/json"
	"time"
)

// Access tiers.
const (
	TierOpen       = "open"
	TierMember     = "member"
	TierPassphrase = "passphrase"
)

// Share kinds. Recorded metadata only; the download path does not branch on
// them.
const (
	ShareFull        = "full"
	SharePartial     = "partial"
	ShareIncremental = "incremental"
)

// Share is a published reference to a folder at a particular version. The ID
// is the 24-character base32 string that forms the core of the access token.
//
// The per-member wrapped-key map lives in MemberCommitment rows (one live row
// per (share, user)); tier=open additionally stores a wrapped master key here
// so the owner can reconstruct the token.
type Share struct {
	ID       string `gorm:"primaryKey;size:24" json:"id"`
	FolderID string `gorm:"not null;index;size:36" json:"folder_id"`

	ShareType string `gorm:"not null;default:full;size:16" json:"share_type"`
	Tier      string `gorm:"not null;size:16;check:tier IN ('open','member','passphrase')" json:"tier"`

	FolderVersion int    `gorm:"not null" json:"folder_version"`
	OwnerUserID   string `gorm:"not null;size:64" json:"owner_user_id"`

	// Tier=open: master key wrapped with the owner's folder content key.
	WrappedKey string `gorm:"size:255" json:"-"`

	// Tier=passphrase: scrypt salt for the wrapping key, plus a separate
	// PBKDF2 hash+salt used only to answer "wrong passphrase". The wrapping
	// key is never derived from the stored hash.
	ScryptSalt     string `gorm:"size:32" json:"-"`
	PassphraseHash string `gorm:"size:64" json:"-"`
	PassphraseSalt string `gorm:"size:32" json:"-"`

	// IndexMessageIDs is the JSON-encoded ordered list of message ids
	// carrying the core index articles.
	IndexMessageIDs string `gorm:"type:text" json:"-"`

	// Signature is the base64 Ed25519 signature over the descriptor root.
	Signature string `gorm:"size:96" json:"signature"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Revoked   bool       `gorm:"not null;default:false" json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Folder      Folder             `gorm:"foreignKey:FolderID" json:"-"`
	Commitments []MemberCommitment `gorm:"foreignKey:ShareID" json:"commitments,omitempty"`
}

// TableName returns the table name for Share.
func (Share) TableName() string {
	return "shares"
}

// Expired reports whether the share has passed its expiry.
func (s *Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// GetIndexMessageIDs decodes the index article message-id list.
func (s *Share) GetIndexMessageIDs() ([]string, error) {
	if s.IndexMessageIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(s.IndexMessageIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SetIndexMessageIDs encodes the index article message-id list.
func (s *Share) SetIndexMessageIDs(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	s.IndexMessageIDs = string(data)
	return nil
}

// MemberCommitment is one user's grant on one member-gated share. The
// commitment hash binds (share, user, user public key) without revealing
// membership to anyone who cannot produce the preimage. At most one live
// commitment exists per (share, user); revocation stamps RevokedAt and
// clears the wrapped key, and re-granting reuses the row.
type MemberCommitment struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	ShareID string `gorm:"not null;uniqueIndex:idx_share_user;size:24" json:"share_id"`
	UserID  string `gorm:"not null;uniqueIndex:idx_share_user;size:64" json:"user_id"`

	UserPublicKey  string `gorm:"size:64" json:"user_public_key"`
	CommitmentHash string `gorm:"not null;size:64" json:"commitment_hash"`

	// WrappedKey is the share master key sealed for this user. Cleared on
	// revocation.
	WrappedKey string `gorm:"size:255" json:"-"`

	Permissions string `gorm:"not null;default:read;size:16" json:"permissions"`

	GrantedAt time.Time  `gorm:"not null" json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// TableName returns the table name for MemberCommitment.
func (MemberCommitment) TableName() string {
	return "member_commitments"
}

// Live reports whether the commitment currently grants access.
func (c *MemberCommitment) Live() bool {
	return c.RevokedAt == nil
}
