// Package retriever turns an access token back into files: it recovers the
// share's master key, fetches and opens the core index, plans one task per
// (file, segment), and fetches segment copies in parallel with redundancy
// fallback. Recovered windows are written at their recorded offsets, so
// out-of-order arrival needs no reorder queue, and every finished file is
// re-hashed against the indexed content hash.
//
// A failed file leaves the session partial rather than aborting it. Progress
// is remembered per session at window granularity: verified files are skipped
// whole on a re-run, and a file that failed midway keeps its recovered
// windows on disk so only the missing ones are fetched again.
package retriever

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/cache"
	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/segmenter"
	"github.com/usenetsync/usenetsync/pkg/share"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// Fetcher retrieves one article body as protocol lines. *nntp.Pool satisfies
// it; tests substitute a map-backed fake.
type Fetcher interface {
	FetchBody(ctx context.Context, messageID, prefer string) ([]string, error)
}

// Config tunes the retriever.
type Config struct {
	// Workers bounds concurrent segment fetches within a file.
	Workers int
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Options parameterizes one download.
type Options struct {
	// SessionID resumes a previous partial download when set.
	SessionID string

	// Credentials back the access attempt for member and passphrase shares.
	Credentials access.Credentials
}

// Progress is one per-file progress report.
type Progress struct {
	Path  string
	Bytes int64
	Total int64
}

// FileFailure names one file that could not be recovered.
type FileFailure struct {
	Path string
	Err  error
}

// Summary describes the outcome of one download session.
type Summary struct {
	SessionID string
	Files     int
	Verified  int
	Resumed   int // files already verified by a previous run
	Bytes     int64
	Failures  []FileFailure
}

// Partial reports whether some files failed while others verified.
func (s *Summary) Partial() bool {
	return len(s.Failures) > 0 && s.Verified+s.Resumed > 0
}

// Retriever downloads shares.
type Retriever struct {
	store      *store.Store
	fetcher    Fetcher
	controller *access.Controller
	cache      *cache.Cache
	metrics    *metrics.RetrieverMetrics
	config     Config

	mu         sync.Mutex
	onProgress func(Progress)
}

// New creates a retriever. The cache may be nil; resume state is then kept
// only for the lifetime of the process.
func New(st *store.Store, fetcher Fetcher, controller *access.Controller, c *cache.Cache, config Config, m *metrics.RetrieverMetrics) *Retriever {
	config.ApplyDefaults()
	return &Retriever{
		store:      st,
		fetcher:    fetcher,
		controller: controller,
		cache:      c,
		metrics:    m,
		config:     config,
	}
}

// OnProgress registers the progress callback. Reports may arrive from any
// fetch worker; the callback must be safe for concurrent use.
func (r *Retriever) OnProgress(fn func(Progress)) {
	r.mu.Lock()
	r.onProgress = fn
	r.mu.Unlock()
}

func (r *Retriever) report(p Progress) {
	r.mu.Lock()
	fn := r.onProgress
	r.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// errResumed marks a file skipped because a previous run already verified it.
var errResumed = errors.New("file already verified")

// Download resolves a token, fetches the share's core index, and recovers
// every file into dest. A file that cannot be recovered or verified is
// reported in the summary; the remaining files still complete.
func (r *Retriever) Download(ctx context.Context, token, dest string, opts Options) (*Summary, error) {
	tok, err := share.Parse(token)
	if err != nil {
		return nil, err
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID, err = crypto.NewID()
		if err != nil {
			return nil, err
		}
	}
	ctx = logger.WithContext(ctx, logger.NewLogContext("download").WithShare(tok.ShareID))

	masterKey, pinnedKey, err := r.resolveKey(ctx, tok, opts.Credentials)
	if err != nil {
		return nil, err
	}

	manifest, err := r.fetchManifest(ctx, tok, masterKey, pinnedKey)
	if err != nil {
		return nil, err
	}
	segKey, err := base64.StdEncoding.DecodeString(manifest.SegmentKey)
	if err != nil || len(segKey) != crypto.KeySize {
		return nil, fmt.Errorf("core index carries a malformed segment key")
	}

	summary := &Summary{SessionID: sessionID, Files: len(manifest.Files)}
	for _, mf := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if !filepath.IsLocal(filepath.FromSlash(mf.Path)) {
			summary.Failures = append(summary.Failures, FileFailure{
				Path: mf.Path,
				Err:  fmt.Errorf("refusing path outside destination"),
			})
			continue
		}

		destPath := filepath.Join(dest, filepath.FromSlash(mf.Path))
		n, err := r.downloadFile(ctx, sessionID, mf, destPath, segKey)
		switch {
		case errors.Is(err, errResumed):
			summary.Resumed++
		case err != nil:
			logger.WarnCtx(ctx, "file recovery failed", "path", mf.Path, logger.Err(err))
			summary.Failures = append(summary.Failures, FileFailure{Path: mf.Path, Err: err})
		default:
			summary.Verified++
			summary.Bytes += n
		}
	}

	if len(summary.Failures) > 0 {
		return summary, fmt.Errorf("%d of %d files could not be recovered", len(summary.Failures), summary.Files)
	}
	if r.cache != nil {
		// Full success: the resume bookkeeping has nothing left to resume.
		if err := r.cache.DropSession(sessionID); err != nil {
			logger.DebugCtx(ctx, "failed to drop session resume state", logger.Err(err))
		}
	}
	logger.InfoCtx(ctx, "download complete",
		"files", summary.Verified,
		"resumed", summary.Resumed,
		"bytes", summary.Bytes)
	return summary, nil
}

// resolveKey recovers the share master key. A locally known share goes
// through full access verification; an unknown share is downloadable only
// when the token itself carries the key.
func (r *Retriever) resolveKey(ctx context.Context, tok *share.Token, cred access.Credentials) (masterKey, pinnedKey []byte, err error) {
	if _, gerr := r.store.GetShare(ctx, tok.ShareID); gerr == nil {
		sh, key, verr := r.controller.VerifyAccess(ctx, tok.ShareID, cred)
		if verr != nil {
			return nil, nil, verr
		}
		if folder, ferr := r.store.GetFolder(ctx, sh.FolderID); ferr == nil {
			if pub, derr := base64.StdEncoding.DecodeString(folder.PublicKey); derr == nil {
				pinnedKey = pub
			}
		}
		return key, pinnedKey, nil
	}

	if tok.Tier == share.TierOpen && len(tok.Key) == crypto.KeySize {
		return tok.Key, nil, nil
	}
	logger.WarnCtx(ctx, "access denied",
		logger.Share(tok.ShareID),
		logger.Err(errors.New("share unknown locally and token carries no key")))
	return nil, nil, access.ErrAccessDenied
}

// fetchManifest retrieves and reassembles the core index articles, then
// opens and verifies the manifest against the token.
func (r *Retriever) fetchManifest(ctx context.Context, tok *share.Token, masterKey, pinnedKey []byte) (*share.Manifest, error) {
	refs, err := r.indexRefs(ctx, tok)
	if err != nil {
		return nil, err
	}

	parts := make(map[int][]byte, len(refs))
	total := -1
	for _, ref := range refs {
		body, err := r.articleBody(ctx, ref.MessageID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch index article %s: %w", ref.MessageID, err)
		}
		chunk, part, tot, err := share.DecodeIndexArticle(body)
		if err != nil {
			return nil, err
		}
		if total == -1 {
			total = tot
		} else if total != tot {
			return nil, fmt.Errorf("index articles disagree on part count: %d vs %d", total, tot)
		}
		parts[part] = chunk
	}
	if total <= 0 || len(parts) != total {
		return nil, fmt.Errorf("core index incomplete: have %d of %d parts", len(parts), total)
	}

	var sealed []byte
	for i := 0; i < total; i++ {
		chunk, ok := parts[i]
		if !ok {
			return nil, fmt.Errorf("core index incomplete: missing part %d", i)
		}
		sealed = append(sealed, chunk...)
	}

	m, err := share.OpenManifest(sealed, masterKey, pinnedKey)
	if err != nil {
		return nil, err
	}
	if m.ShareID != tok.ShareID {
		return nil, fmt.Errorf("core index belongs to share %s, token names %s", m.ShareID, tok.ShareID)
	}
	if tok.FolderPrefix != "" && tok.FolderPrefix != share.FolderIDPrefix(m.FolderID) {
		return nil, fmt.Errorf("core index folder does not match token")
	}
	return m, nil
}

// indexRefs resolves the index article list. Tokens that carry message ids
// are self-sufficient; hash-only tokens fall back to the local share record.
func (r *Retriever) indexRefs(ctx context.Context, tok *share.Token) ([]share.IndexArticle, error) {
	switch {
	case tok.Index.Multi():
		refs := make([]share.IndexArticle, len(tok.Index.Articles))
		copy(refs, tok.Index.Articles)
		sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
		return refs, nil

	case tok.Index.MessageID != "":
		return []share.IndexArticle{{MessageID: tok.Index.MessageID, Group: tok.Index.Group}}, nil
	}

	// Compact binary tokens carry only a hash of the first index article;
	// the actual ids come from the share record.
	sh, err := r.store.GetShare(ctx, tok.ShareID)
	if err != nil {
		return nil, fmt.Errorf("token does not name index articles and share %s is unknown locally", tok.ShareID)
	}
	ids, err := sh.GetIndexMessageIDs()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("share %s has no published index", tok.ShareID)
	}
	refs := make([]share.IndexArticle, 0, len(ids))
	for i, id := range ids {
		refs = append(refs, share.IndexArticle{Index: i, MessageID: id})
	}
	return refs, nil
}

// articleBody fetches one article body, consulting the local cache first.
// Protocol lines rejoin with CRLF to reproduce the posted body exactly.
func (r *Retriever) articleBody(ctx context.Context, messageID string) ([]byte, error) {
	if r.cache != nil {
		if body, err := r.cache.GetArticle(messageID); err == nil {
			return body, nil
		}
	}

	lines, err := r.fetcher.FetchBody(ctx, messageID, "")
	if err != nil {
		return nil, err
	}
	body := []byte(strings.Join(lines, "\r\n"))

	if r.cache != nil {
		if err := r.cache.PutArticle(messageID, body); err != nil {
			logger.Debug("failed to cache article", logger.MessageID(messageID), logger.Err(err))
		}
	}
	return body, nil
}

// downloadFile recovers one file: all segments in parallel, windows written
// at their offsets, then a full re-hash against the indexed content hash.
// When the destination already holds a pre-sized file from an interrupted
// run, windows the session has on record are skipped and only the missing
// ones are fetched.
func (r *Retriever) downloadFile(ctx context.Context, sessionID string, mf share.ManifestFile, destPath string, segKey []byte) (int64, error) {
	resume := false
	if r.cache != nil && mf.Size > 0 {
		if done, err := r.cache.GetProgress(sessionID, mf.Hash); err == nil && done == mf.Size {
			if st, serr := os.Stat(destPath); serr == nil && st.Size() == mf.Size {
				return 0, errResumed
			}
			// Destination vanished since the last run: refetch.
		}
		if st, serr := os.Stat(destPath); serr == nil && st.Size() == mf.Size {
			resume = true
		}
	}

	var asm *segmenter.Assembly
	var err error
	if resume {
		asm, err = segmenter.ResumeAssembly(destPath, mf.Size)
	} else {
		asm, err = segmenter.NewAssembly(destPath, mf.Size)
	}
	if err != nil {
		return 0, err
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Workers)
	for _, seg := range mf.Segments {
		want := windowLen(seg)
		if resume {
			if got, gerr := r.cache.GetProgress(sessionID, windowKey(mf.Hash, seg.Index)); gerr == nil && got == want {
				r.report(Progress{
					Path:  mf.Path,
					Bytes: done.Add(want),
					Total: mf.Size,
				})
				continue
			}
		}
		g.Go(func() error {
			plain, err := r.fetchSegment(gctx, mf.Path, seg, segKey)
			if err != nil {
				return err
			}
			if err := asm.WriteAt(plain, seg.Offset); err != nil {
				return err
			}
			if r.cache != nil {
				if err := r.cache.PutProgress(sessionID, windowKey(mf.Hash, seg.Index), int64(len(plain))); err != nil {
					logger.Debug("failed to persist window progress", "path", mf.Path, logger.Err(err))
				}
			}
			r.report(Progress{
				Path:  mf.Path,
				Bytes: done.Add(int64(len(plain))),
				Total: mf.Size,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Keep the partial file. Recovered windows are on disk and on record,
		// so a re-run with the same session fetches only what is missing.
		asm.Close()
		return 0, err
	}

	if err := asm.Verify(mf.Hash); err != nil {
		r.metrics.ObserveIntegrityFailure()
		asm.Abort()
		return 0, err
	}
	if err := asm.Close(); err != nil {
		return 0, err
	}

	if r.cache != nil && mf.Size > 0 {
		if err := r.cache.PutProgress(sessionID, mf.Hash, mf.Size); err != nil {
			logger.Debug("failed to persist file progress", "path", mf.Path, logger.Err(err))
		}
	}
	return mf.Size, nil
}

// windowKey names one segment's resume record within a file.
func windowKey(fileHash string, index int) string {
	return fileHash + "#" + strconv.Itoa(index)
}

// windowLen is the number of plaintext bytes a segment contributes to its
// file: the window width for a packed member, the full plain size otherwise.
func windowLen(seg share.ManifestSegment) int64 {
	if seg.Window != nil {
		return seg.Window.End - seg.Window.Start
	}
	return seg.PlainSize
}

// fetchSegment recovers one logical segment's plaintext, trying redundancy
// copies in order starting at copy 0. Fetch failures, framing errors, and
// integrity failures all fall over to the next copy.
func (r *Retriever) fetchSegment(ctx context.Context, path string, seg share.ManifestSegment, segKey []byte) ([]byte, error) {
	var lastErr error
	for i, cp := range seg.Copies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		plain, err := r.openCopy(ctx, seg, i, cp, segKey)
		if err != nil {
			logger.DebugCtx(ctx, "segment copy unusable",
				"path", path,
				"segment", seg.Index,
				"copy", i,
				logger.Err(err))
			lastErr = err
			continue
		}
		if i > 0 {
			r.metrics.ObserveFallback()
		}
		r.metrics.ObserveSegment(int64(len(plain)), time.Since(start))

		if seg.Window != nil {
			w := seg.Window
			if w.Start < 0 || w.End > int64(len(plain)) || w.Start > w.End {
				return nil, fmt.Errorf("%s segment %d: window [%d, %d) outside container of %d bytes",
					path, seg.Index, w.Start, w.End, len(plain))
			}
			plain = plain[w.Start:w.End]
		}
		return plain, nil
	}
	return nil, fmt.Errorf("%s segment %d: no redundancy copy usable: %w", path, seg.Index, lastErr)
}

// openCopy fetches and opens one redundancy copy.
func (r *Retriever) openCopy(ctx context.Context, seg share.ManifestSegment, idx int, cp share.ManifestCopy, segKey []byte) ([]byte, error) {
	body, err := r.articleBody(ctx, cp.MessageID)
	if err != nil {
		return nil, err
	}
	decoded, err := codec.DecodeArticleBody(body)
	if err != nil {
		return nil, err
	}

	// Rebuild the plan row the sealing functions expect; the manifest copy
	// carries exactly the fields they check.
	row := &models.Segment{
		SegmentID:       decoded.SegmentIDHash,
		RedundancyIndex: idx,
		SegmentIndex:    seg.Index,
		PlainSize:       seg.PlainSize,
		CompressedSize:  seg.CompressedSize,
		Nonce:           cp.Nonce,
		CiphertextHash:  cp.CiphertextHash,
	}
	return segmenter.OpenSegmentBody(decoded.Ciphertext, row, segKey)
}
