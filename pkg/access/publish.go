package access

import (
	"context"
	"fmt"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// Poster posts one article and returns the name of the accepting server.
// *nntp.Pool satisfies it; tests substitute a recorder.
type Poster interface {
	PostArticle(ctx context.Context, article *nntp.Article) (string, error)
}

// Publisher turns a fully uploaded folder version into a published share:
// it creates the share row, builds the core-index manifest, seals it with
// the master key, posts the index articles, and assembles the access token.
type Publisher struct {
	store      *store.Store
	poster     Poster
	controller *Controller

	// maxChunk bounds the sealed-manifest bytes per index article.
	maxChunk int
}

// NewPublisher creates a publisher. maxChunk defaults to the standard
// segment size when zero.
func NewPublisher(st *store.Store, poster Poster, controller *Controller, maxChunk int) *Publisher {
	if maxChunk <= 0 {
		maxChunk = 768_000
	}
	return &Publisher{store: st, poster: poster, controller: controller, maxChunk: maxChunk}
}

// Publish creates and posts a share of the folder's current version. Every
// logical segment must have at least one uploaded copy; publishing an
// incompletely uploaded folder fails rather than producing a token that
// cannot be honored.
func (p *Publisher) Publish(ctx context.Context, folderID string, opts ShareOptions) (*models.Share, string, error) {
	folder, err := p.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, "", err
	}
	if folder.Version == 0 {
		return nil, "", fmt.Errorf("folder %s has never been indexed", folderID)
	}

	signer, err := crypto.SignerFromEncoded(folder.SigningKeySeed)
	if err != nil {
		return nil, "", err
	}

	sh, masterKey, err := p.controller.CreateShare(ctx, folder, opts)
	if err != nil {
		return nil, "", err
	}

	ctx = logger.WithContext(ctx, logger.NewLogContext("publish").WithFolder(folderID).WithShare(sh.ID))

	manifest, err := p.buildManifest(ctx, folder, sh)
	if err != nil {
		return nil, "", err
	}

	sealed, signature, err := share.SealManifest(manifest, signer, masterKey)
	if err != nil {
		return nil, "", err
	}

	messageIDs, groups, err := p.postIndex(ctx, sealed, folder, signer, sh.ID)
	if err != nil {
		return nil, "", err
	}
	if err := p.store.SetShareIndex(ctx, sh.ID, messageIDs, signature); err != nil {
		return nil, "", err
	}
	sh.Signature = signature

	token := p.buildToken(sh, masterKey, messageIDs, groups)
	encoded, err := token.EncodeJSON()
	if err != nil {
		return nil, "", err
	}

	logger.InfoCtx(ctx, "share published",
		"tier", sh.Tier,
		"files", len(manifest.Files),
		"index_articles", len(messageIDs))
	return sh, token.EncodeURI(encoded), nil
}

// buildManifest catalogues the share's files and their posted segment
// copies at the share's folder version.
func (p *Publisher) buildManifest(ctx context.Context, folder *models.Folder, sh *models.Share) (*share.Manifest, error) {
	files, err := p.store.ListFilesAtVersion(ctx, folder.ID, sh.FolderVersion)
	if err != nil {
		return nil, err
	}

	m := &share.Manifest{
		ShareID:       sh.ID,
		FolderID:      folder.ID,
		FolderVersion: sh.FolderVersion,
		ShareType:     sh.ShareType,
		SegmentKey:    folder.ContentKey,
		CreatedAt:     time.Now().Unix(),
	}

	for _, f := range files {
		mf, err := p.manifestFile(ctx, folder, f)
		if err != nil {
			return nil, err
		}
		m.Files = append(m.Files, *mf)
	}
	return m, nil
}

// manifestFile resolves one file's segment rows, following the version
// chain for carried-over unchanged files whose segments stay attached to
// the ancestor row.
func (p *Publisher) manifestFile(ctx context.Context, folder *models.Folder, f *models.File) (*share.ManifestFile, error) {
	mf := &share.ManifestFile{
		Path:     f.Path,
		Size:     f.Size,
		Hash:     f.ContentHash,
		MimeType: f.MimeType,
	}

	rows, err := p.resolveSegments(ctx, folder.ID, f)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("file %s has no segment plan; segment and upload before publishing", f.Path)
	}

	// Packed member rows carry the container reference; their copies are
	// the container's articles.
	if rows[0].PackedSegmentID != "" {
		seg, err := p.packedManifestSegment(ctx, rows[0], f)
		if err != nil {
			return nil, err
		}
		mf.Segments = []share.ManifestSegment{*seg}
		return mf, nil
	}

	byIndex := make(map[int][]*models.Segment)
	for _, row := range rows {
		byIndex[row.SegmentIndex] = append(byIndex[row.SegmentIndex], row)
	}
	for idx := 0; idx < len(byIndex); idx++ {
		copies, ok := byIndex[idx]
		if !ok {
			return nil, fmt.Errorf("file %s is missing segment %d", f.Path, idx)
		}
		seg := share.ManifestSegment{
			Index:          idx,
			Offset:         copies[0].OffsetStart,
			PlainSize:      copies[0].PlainSize,
			CompressedSize: copies[0].CompressedSize,
		}
		for _, row := range copies {
			if row.State != models.SegmentUploaded || row.MessageID == "" {
				continue
			}
			seg.Copies = append(seg.Copies, share.ManifestCopy{
				MessageID:      row.MessageID,
				Group:          row.Group,
				Nonce:          row.Nonce,
				CiphertextHash: row.CiphertextHash,
			})
		}
		if len(seg.Copies) == 0 {
			return nil, fmt.Errorf("file %s segment %d has no uploaded copy", f.Path, idx)
		}
		mf.Segments = append(mf.Segments, seg)
	}
	return mf, nil
}

// packedManifestSegment builds the single manifest segment of a packed
// member: the container's copies plus the member's window.
func (p *Publisher) packedManifestSegment(ctx context.Context, member *models.Segment, f *models.File) (*share.ManifestSegment, error) {
	containers, err := p.store.ListPackedContainerCopies(ctx, member.PackedSegmentID)
	if err != nil {
		return nil, err
	}

	seg := &share.ManifestSegment{
		Index:          0,
		Offset:         0,
		PlainSize:      containers[0].PlainSize,
		CompressedSize: containers[0].CompressedSize,
		Window:         &share.PackedWindow{Start: member.OffsetStart, End: member.OffsetEnd},
	}
	for _, row := range containers {
		if row.State != models.SegmentUploaded || row.MessageID == "" {
			continue
		}
		seg.Copies = append(seg.Copies, share.ManifestCopy{
			MessageID:      row.MessageID,
			Group:          row.Group,
			Nonce:          row.Nonce,
			CiphertextHash: row.CiphertextHash,
		})
	}
	if len(seg.Copies) == 0 {
		return nil, fmt.Errorf("file %s: packed container has no uploaded copy", f.Path)
	}
	return seg, nil
}

// resolveSegments finds the segment rows serving a file version, walking
// the version chain when the current row carried over unchanged.
func (p *Publisher) resolveSegments(ctx context.Context, folderID string, f *models.File) ([]*models.Segment, error) {
	for {
		rows, err := p.store.ListFileSegments(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
		if f.PreviousVersion == nil {
			return nil, nil
		}
		f, err = p.store.GetFileVersion(ctx, folderID, f.Path, *f.PreviousVersion)
		if err != nil {
			return nil, err
		}
	}
}

// postIndex splits the sealed manifest into chunks and posts one index
// article per chunk. Subjects are opaque HMACs keyed like segment subjects.
func (p *Publisher) postIndex(ctx context.Context, sealed []byte, folder *models.Folder, signer *crypto.Signer, shareID string) ([]string, []string, error) {
	total := (len(sealed) + p.maxChunk - 1) / p.maxChunk
	if total == 0 {
		total = 1
	}

	messageIDs := make([]string, 0, total)
	groups := make([]string, 0, total)
	for part := 0; part < total; part++ {
		start := part * p.maxChunk
		end := start + p.maxChunk
		if end > len(sealed) {
			end = len(sealed)
		}

		article := &nntp.Article{
			Subject:   codec.ObfuscateSubject(signer.HMACKey(), shareID+":idx", part),
			Group:     folder.TargetGroup,
			MessageID: nntp.NewMessageID(),
			Body:      share.EncodeIndexArticle(sealed[start:end], part, total),
		}

		server, err := p.poster.PostArticle(ctx, article)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to post index article %d/%d: %w", part+1, total, err)
		}

		if err := p.store.RecordArticle(ctx, &models.Article{
			MessageID: article.MessageID,
			Group:     article.Group,
			Subject:   article.Subject,
			SizeLines: article.Lines(),
			Server:    server,
			PostedAt:  time.Now(),
		}); err != nil {
			return nil, nil, err
		}

		messageIDs = append(messageIDs, article.MessageID)
		groups = append(groups, article.Group)
	}
	return messageIDs, groups, nil
}

// buildToken assembles the logical token for a freshly published share.
func (p *Publisher) buildToken(sh *models.Share, masterKey []byte, messageIDs, groups []string) *share.Token {
	token := &share.Token{
		Version:       share.TokenVersion,
		ShareID:       sh.ID,
		Tier:          sh.Tier,
		FolderPrefix:  share.FolderIDPrefix(sh.FolderID),
		FolderVersion: sh.FolderVersion,
		CreatedAt:     time.Now().UTC(),
	}
	if len(messageIDs) == 1 {
		token.Index = share.IndexRef{MessageID: messageIDs[0], Group: groups[0], Count: 1}
	} else {
		token.Index = share.IndexRef{Count: len(messageIDs)}
		for i, id := range messageIDs {
			token.Index.Articles = append(token.Index.Articles, share.IndexArticle{
				Index:     i,
				MessageID: id,
				Group:     groups[i],
			})
		}
	}
	if sh.Tier == models.TierOpen {
		token.Key = masterKey
	}
	return token
}
