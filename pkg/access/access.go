// Package access implements the three share tiers and their key-management
// protocols: open (key travels with the token), member (key re-wrapped per
// recipient behind a commitment), and passphrase (key wrapped under a
// scrypt-derived key).
//
// Every failed access attempt surfaces as the same ErrAccessDenied: a
// missing share, a revoked one, an expired one, an unknown member, and a
// wrong passphrase are indistinguishable to the caller. The log records the
// specific cause.
package access

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

var (
	// ErrAccessDenied is the single observable error for every failed
	// access attempt, whatever the cause.
	ErrAccessDenied = errors.New("access denied")

	// ErrWrongTier indicates a member operation on a non-member share or a
	// credential that does not fit the share's tier.
	ErrWrongTier = errors.New("operation does not match share tier")

	// ErrShareTooLarge indicates the folder exceeds the configured share
	// size cap.
	ErrShareTooLarge = errors.New("folder exceeds maximum share size")
)

// Config tunes key derivation and publishing limits.
type Config struct {
	Scrypt            crypto.ScryptParams
	PBKDF2Iterations  int
	ExpiryDefaultDays int
	MaxShareSizeBytes int64
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Scrypt.N == 0 {
		c.Scrypt = crypto.DefaultScryptParams
	}
	if c.PBKDF2Iterations == 0 {
		c.PBKDF2Iterations = crypto.DefaultPBKDF2Iterations
	}
	if c.ExpiryDefaultDays == 0 {
		c.ExpiryDefaultDays = 30
	}
}

// Member names one grant recipient.
type Member struct {
	UserID    string
	PublicKey string // base64, optional in the identifier-keyed deployment
}

// ShareOptions parameterizes share creation.
type ShareOptions struct {
	Tier       string
	ShareType  string
	OwnerID    string
	Passphrase string   // tier=passphrase
	Members    []Member // tier=member, owner excluded
	ExpiryDays int      // 0 means the configured default, negative means no expiry
}

// Controller is the access-control surface.
type Controller struct {
	store  *store.Store
	config Config
}

// NewController creates an access controller.
func NewController(st *store.Store, config Config) *Controller {
	config.ApplyDefaults()
	return &Controller{store: st, config: config}
}

// CreateShare generates a master key, wraps it per the tier's protocol, and
// persists the share row. The master key is returned so the publisher can
// seal the core index with it; it is never stored unwrapped.
func (c *Controller) CreateShare(ctx context.Context, folder *models.Folder, opts ShareOptions) (*models.Share, []byte, error) {
	if !validShareTier(opts.Tier) {
		return nil, nil, fmt.Errorf("%w: tier %q", ErrWrongTier, opts.Tier)
	}
	if opts.OwnerID == "" {
		return nil, nil, fmt.Errorf("share owner is required")
	}
	if c.config.MaxShareSizeBytes > 0 && folder.TotalSize > c.config.MaxShareSizeBytes {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrShareTooLarge, folder.TotalSize)
	}

	masterKey, err := crypto.NewKey()
	if err != nil {
		return nil, nil, err
	}
	shareID, err := crypto.NewShareID()
	if err != nil {
		return nil, nil, err
	}

	shareType := opts.ShareType
	if shareType == "" {
		shareType = models.ShareFull
	}

	sh := &models.Share{
		ID:            shareID,
		FolderID:      folder.ID,
		ShareType:     shareType,
		Tier:          opts.Tier,
		FolderVersion: folder.Version,
		OwnerUserID:   opts.OwnerID,
	}

	switch days := opts.ExpiryDays; {
	case days < 0:
		// no expiry
	case days == 0:
		at := time.Now().AddDate(0, 0, c.config.ExpiryDefaultDays)
		sh.ExpiresAt = &at
	default:
		at := time.Now().AddDate(0, 0, days)
		sh.ExpiresAt = &at
	}

	switch opts.Tier {
	case models.TierOpen:
		if err := c.sealOpen(sh, folder, masterKey); err != nil {
			return nil, nil, err
		}
	case models.TierPassphrase:
		if err := c.sealPassphrase(sh, opts.Passphrase, masterKey); err != nil {
			return nil, nil, err
		}
	}

	if err := c.store.CreateShare(ctx, sh); err != nil {
		return nil, nil, err
	}

	if opts.Tier == models.TierMember {
		// The owner always holds a wrapped copy so the share never
		// becomes unrecoverable.
		if err := c.grant(ctx, sh, opts.OwnerID, "", masterKey, "owner"); err != nil {
			return nil, nil, err
		}
		for _, m := range opts.Members {
			if m.UserID == opts.OwnerID {
				continue
			}
			if err := c.grant(ctx, sh, m.UserID, m.PublicKey, masterKey, "read"); err != nil {
				return nil, nil, err
			}
		}
	}

	logger.InfoCtx(ctx, "share created",
		logger.Share(sh.ID),
		logger.Folder(folder.ID),
		"tier", sh.Tier,
		logger.KeyVersion, sh.FolderVersion)
	return sh, masterKey, nil
}

// sealOpen wraps the master key with the folder content key so the owner
// can re-issue the token later. Recipients get the key inside the token.
func (c *Controller) sealOpen(sh *models.Share, folder *models.Folder, masterKey []byte) error {
	contentKey, err := base64.StdEncoding.DecodeString(folder.ContentKey)
	if err != nil || len(contentKey) != crypto.KeySize {
		return fmt.Errorf("folder %s content key is malformed", folder.ID)
	}
	wrapped, err := crypto.WrapKey(masterKey, contentKey)
	if err != nil {
		return err
	}
	sh.WrappedKey = wrapped
	return nil
}

// sealPassphrase wraps the master key under a scrypt-derived key and stores
// a separate PBKDF2 hash used only to answer "wrong passphrase". The
// wrapping key is never derived from that hash.
func (c *Controller) sealPassphrase(sh *models.Share, passphrase string, masterKey []byte) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase is required for tier=passphrase")
	}

	scryptSalt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	wrappingKey, err := crypto.DeriveKey(passphrase, scryptSalt, c.config.Scrypt)
	if err != nil {
		return err
	}
	wrapped, err := crypto.WrapKey(masterKey, wrappingKey)
	if err != nil {
		return err
	}

	hashSalt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	sh.WrappedKey = wrapped
	sh.ScryptSalt = base64.StdEncoding.EncodeToString(scryptSalt)
	sh.PassphraseSalt = base64.StdEncoding.EncodeToString(hashSalt)
	sh.PassphraseHash = crypto.HashPassphrase(passphrase, hashSalt, c.config.PBKDF2Iterations)
	return nil
}

// grant writes one member's commitment with their wrapped copy of the
// master key.
func (c *Controller) grant(ctx context.Context, sh *models.Share, userID, publicKey string, masterKey []byte, permissions string) error {
	wrapped, err := crypto.WrapKey(masterKey, memberWrappingKey(sh.ID, userID))
	if err != nil {
		return err
	}
	_, err = c.store.GrantCommitment(ctx, &models.MemberCommitment{
		ShareID:        sh.ID,
		UserID:         userID,
		UserPublicKey:  publicKey,
		CommitmentHash: commitmentHash(sh.ID, userID, publicKey),
		WrappedKey:     wrapped,
		Permissions:    permissions,
		GrantedAt:      time.Now(),
	})
	return err
}

// AddMember grants a user access to a member-gated share. The caller must
// hold owner access: the master key is recovered from the owner's own
// wrapped copy before re-wrapping it for the new member.
func (c *Controller) AddMember(ctx context.Context, shareID, userID, publicKey string) error {
	sh, err := c.store.GetShare(ctx, shareID)
	if err != nil {
		return deny(ctx, shareID, err)
	}
	if sh.Tier != models.TierMember {
		return fmt.Errorf("%w: share %s is tier %s", ErrWrongTier, shareID, sh.Tier)
	}

	masterKey, err := c.unwrapMember(ctx, sh, sh.OwnerUserID)
	if err != nil {
		return err
	}

	if err := c.grant(ctx, sh, userID, publicKey, masterKey, "read"); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "member granted", logger.Share(shareID), "user", userID)
	return nil
}

// RemoveMember revokes one user's grant: their wrapped key is cleared and
// their commitment stamped revoked. Other members are untouched. The owner
// cannot be removed.
func (c *Controller) RemoveMember(ctx context.Context, shareID, userID string) error {
	sh, err := c.store.GetShare(ctx, shareID)
	if err != nil {
		return deny(ctx, shareID, err)
	}
	if sh.Tier != models.TierMember {
		return fmt.Errorf("%w: share %s is tier %s", ErrWrongTier, shareID, sh.Tier)
	}
	if userID == sh.OwnerUserID {
		return fmt.Errorf("cannot remove the share owner")
	}

	if err := c.store.RevokeCommitment(ctx, shareID, userID, time.Now()); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "member revoked", logger.Share(shareID), "user", userID)
	return nil
}

// RevokeShare revokes a share outright. Every subsequent access attempt,
// any tier, any credential, answers ErrAccessDenied.
func (c *Controller) RevokeShare(ctx context.Context, shareID string) error {
	if err := c.store.RevokeShare(ctx, shareID, time.Now()); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "share revoked", logger.Share(shareID))
	return nil
}

// Credentials is what a presenter supplies with an access attempt. The
// relevant field depends on the share's tier.
type Credentials struct {
	UserID     string
	Passphrase string
}

// VerifyAccess validates an access attempt and returns the share and its
// unwrapped master key. Expiry and revocation are enforced on every call.
func (c *Controller) VerifyAccess(ctx context.Context, shareID string, cred Credentials) (*models.Share, []byte, error) {
	sh, err := c.store.GetShare(ctx, shareID)
	if err != nil {
		return nil, nil, deny(ctx, shareID, err)
	}
	if sh.Revoked {
		return nil, nil, deny(ctx, shareID, errors.New("share is revoked"))
	}
	if sh.Expired(time.Now()) {
		return nil, nil, deny(ctx, shareID, errors.New("share is expired"))
	}

	var masterKey []byte
	switch sh.Tier {
	case models.TierOpen:
		folder, ferr := c.store.GetFolder(ctx, sh.FolderID)
		if ferr != nil {
			return nil, nil, deny(ctx, shareID, ferr)
		}
		contentKey, derr := base64.StdEncoding.DecodeString(folder.ContentKey)
		if derr != nil {
			return nil, nil, deny(ctx, shareID, derr)
		}
		masterKey, err = crypto.UnwrapKey(sh.WrappedKey, contentKey)

	case models.TierMember:
		masterKey, err = c.unwrapMember(ctx, sh, cred.UserID)

	case models.TierPassphrase:
		masterKey, err = c.unwrapPassphrase(sh, cred.Passphrase)

	default:
		err = fmt.Errorf("share %s has unknown tier %q", shareID, sh.Tier)
	}
	if err != nil {
		return nil, nil, deny(ctx, shareID, err)
	}
	return sh, masterKey, nil
}

// unwrapMember recovers the master key through a user's live commitment.
func (c *Controller) unwrapMember(ctx context.Context, sh *models.Share, userID string) ([]byte, error) {
	if userID == "" {
		return nil, errors.New("no user id presented")
	}
	commitment, err := c.store.GetCommitment(ctx, sh.ID, userID)
	if err != nil {
		return nil, err
	}
	if !commitment.Live() {
		return nil, fmt.Errorf("commitment for user %s is revoked", userID)
	}
	if commitment.CommitmentHash != commitmentHash(sh.ID, userID, commitment.UserPublicKey) {
		return nil, fmt.Errorf("commitment for user %s does not verify", userID)
	}
	return crypto.UnwrapKey(commitment.WrappedKey, memberWrappingKey(sh.ID, userID))
}

// unwrapPassphrase recovers the master key from a presented passphrase. The
// stored PBKDF2 hash is checked first; the wrapping key is derived only via
// scrypt from the separate salt.
func (c *Controller) unwrapPassphrase(sh *models.Share, passphrase string) ([]byte, error) {
	hashSalt, err := base64.StdEncoding.DecodeString(sh.PassphraseSalt)
	if err != nil {
		return nil, err
	}
	if !crypto.VerifyPassphrase(passphrase, hashSalt, c.config.PBKDF2Iterations, sh.PassphraseHash) {
		return nil, errors.New("wrong passphrase")
	}

	scryptSalt, err := base64.StdEncoding.DecodeString(sh.ScryptSalt)
	if err != nil {
		return nil, err
	}
	wrappingKey, err := crypto.DeriveKey(passphrase, scryptSalt, c.config.Scrypt)
	if err != nil {
		return nil, err
	}
	return crypto.UnwrapKey(sh.WrappedKey, wrappingKey)
}

// deny logs the specific cause and returns the uniform error. Callers never
// learn whether the share was missing, revoked, expired, or wrongly keyed.
func deny(ctx context.Context, shareID string, cause error) error {
	logger.WarnCtx(ctx, "access denied",
		logger.Share(shareID),
		logger.Err(cause))
	return ErrAccessDenied
}

// memberWrappingKey derives a user's wrapping key from their identifier,
// scoped to the share. A stronger deployment derives it from the user's
// public key instead.
func memberWrappingKey(shareID, userID string) []byte {
	h := sha256.New()
	h.Write([]byte("usenetsync.member.v1\x00"))
	h.Write([]byte(shareID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	return h.Sum(nil)
}

// commitmentHash binds (share, user, user public key).
func commitmentHash(shareID, userID, publicKey string) string {
	h := sha256.New()
	h.Write([]byte(shareID))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(publicKey))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func validShareTier(tier string) bool {
	return tier == models.TierOpen || tier == models.TierMember || tier == models.TierPassphrase
}
