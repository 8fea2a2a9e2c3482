// Package uploader drains the persisted upload queue through the article
// server pool. Workers lease the highest-priority item, expand coarse
// items (folder, file) into postable segment copies, batch them by target
// group, and post them, yielding at every segment boundary so pause and
// cancel take effect promptly without abandoning an in-flight post.
//
// The queue lives in the store: a process restart requeues orphaned items
// and resumes cleanly without losing work.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/codec"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/segmenter"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// Poster posts one article and returns the accepting server's name.
// *nntp.Pool satisfies it; tests substitute a recorder.
type Poster interface {
	PostArticle(ctx context.Context, article *nntp.Article) (string, error)
}

// RateLimitError is a capacity refusal with a retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("deployment rate limit reached, retry in %s", e.RetryAfter.Round(time.Second))
}

// Config tunes the uploader.
type Config struct {
	// Workers is the posting worker count.
	Workers int

	// BatchSize is the number of segment copies leased per expansion pass.
	BatchSize int

	// MaxRetries caps queue-item retries.
	MaxRetries int

	// MaxDeploymentsPerHour bounds session starts to avoid flooding a
	// server. Zero disables the cap.
	MaxDeploymentsPerHour int

	// PollInterval is the idle wait between queue polls.
	PollInterval time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
}

// Progress is one posting progress report, emitted after every article.
type Progress struct {
	SessionID string
	Posted    int64
	Failed    int64
	Bytes     int64
}

// Uploader runs the upload worker pool.
type Uploader struct {
	store   *store.Store
	poster  Poster
	metrics *metrics.UploaderMetrics
	config  Config

	mu          sync.Mutex
	paused      map[string]bool
	cancelled   map[string]bool
	deployments []time.Time
	onProgress  func(Progress)

	posted sync.Map // sessionID -> *sessionCounters
}

type sessionCounters struct {
	mu     sync.Mutex
	posted int64
	failed int64
	bytes  int64
}

// New creates an uploader.
func New(st *store.Store, poster Poster, config Config, m *metrics.UploaderMetrics) *Uploader {
	config.ApplyDefaults()
	return &Uploader{
		store:     st,
		poster:    poster,
		metrics:   m,
		config:    config,
		paused:    make(map[string]bool),
		cancelled: make(map[string]bool),
	}
}

// OnProgress registers the progress callback. Reports may arrive from any
// worker; the callback must be safe for concurrent use.
func (u *Uploader) OnProgress(fn func(Progress)) {
	u.mu.Lock()
	u.onProgress = fn
	u.mu.Unlock()
}

// Recover returns orphaned queue items and stale uploading segments to a
// runnable state. Called once at startup before workers spin up.
func (u *Uploader) Recover(ctx context.Context) error {
	jobs, err := u.store.RequeueOrphanedJobs(ctx)
	if err != nil {
		return err
	}
	segs, err := u.store.ResetStaleUploading(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		return err
	}
	if jobs > 0 || segs > 0 {
		logger.Info("recovered interrupted upload state", "jobs", jobs, "segments", segs)
	}
	return nil
}

// EnqueueFolder queues a folder upload and returns the session id. The
// per-hour deployment cap is enforced here; a refusal carries a retry-after
// hint.
func (u *Uploader) EnqueueFolder(ctx context.Context, folderID string, priority int) (string, error) {
	if err := u.allowDeployment(); err != nil {
		return "", err
	}
	if _, err := u.store.GetFolder(ctx, folderID); err != nil {
		return "", err
	}

	sessionID, err := newSessionID()
	if err != nil {
		return "", err
	}
	if priority == 0 {
		priority = models.PriorityNormal
	}

	_, err = u.store.EnqueueJob(ctx, &models.UploadJob{
		EntityType: models.EntityFolder,
		EntityID:   folderID,
		SessionID:  sessionID,
		Priority:   priority,
		MaxRetries: u.config.MaxRetries,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// allowDeployment enforces the sessions-per-hour cap.
func (u *Uploader) allowDeployment() error {
	if u.config.MaxDeploymentsPerHour <= 0 {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	kept := u.deployments[:0]
	for _, t := range u.deployments {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.deployments = kept

	if len(u.deployments) >= u.config.MaxDeploymentsPerHour {
		return &RateLimitError{RetryAfter: time.Until(u.deployments[0].Add(time.Hour))}
	}
	u.deployments = append(u.deployments, time.Now())
	return nil
}

// Pause parks a session: queued items stop leasing, in-flight items yield
// at their next segment boundary and return to the queue.
func (u *Uploader) Pause(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	u.paused[sessionID] = true
	u.mu.Unlock()
	_, err := u.store.PauseSession(ctx, sessionID)
	return err
}

// Resume wakes a paused session.
func (u *Uploader) Resume(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	delete(u.paused, sessionID)
	u.mu.Unlock()
	_, err := u.store.ResumeSession(ctx, sessionID)
	return err
}

// Cancel cancels a session. Queued items are removed; a running item is
// interrupted at its next yield point. An in-flight article post completes
// first: it already has a message id attached.
func (u *Uploader) Cancel(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	u.cancelled[sessionID] = true
	u.mu.Unlock()
	_, err := u.store.CancelSession(ctx, sessionID)
	return err
}

func (u *Uploader) isPaused(sessionID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused[sessionID]
}

func (u *Uploader) isCancelled(sessionID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cancelled[sessionID]
}

// Run drains a session's queue with the configured worker pool, blocking
// until the session has no runnable items left or the context is
// cancelled. Passing an empty session drains the whole queue.
func (u *Uploader) Run(ctx context.Context, sessionID string) error {
	ctx = logger.WithContext(ctx, logger.NewLogContext("upload"))

	var wg sync.WaitGroup
	errs := make(chan error, u.config.Workers)
	for i := 0; i < u.config.Workers; i++ {
		workerID := fmt.Sprintf("upload-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- u.workerLoop(ctx, sessionID, workerID)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}

// workerLoop leases and processes items until the queue drains.
func (u *Uploader) workerLoop(ctx context.Context, sessionID, workerID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if u.isPaused(sessionID) {
			if !sleepFor(ctx, u.config.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		job, err := u.store.LeaseNextJob(ctx, sessionID, workerID)
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			drained, derr := u.queueDrained(ctx, sessionID)
			if derr != nil {
				return derr
			}
			if drained {
				return nil
			}
			if !sleepFor(ctx, u.config.PollInterval) {
				return ctx.Err()
			}
			continue
		case err != nil:
			return err
		}

		u.processJob(ctx, job)
	}
}

// queueDrained reports whether a session has no runnable or running items
// left.
func (u *Uploader) queueDrained(ctx context.Context, sessionID string) (bool, error) {
	counts, err := u.store.JobStateCounts(ctx, sessionID)
	if err != nil {
		return false, err
	}
	active := counts[models.JobQueued] + counts[models.JobRunning] + counts[models.JobRetrying]
	return active == 0, nil
}

// processJob runs one leased item and routes its outcome: completion,
// retryable failure (retrying with priority bumped down), permanent failure
// (failed), or a pause/cancel yield.
func (u *Uploader) processJob(ctx context.Context, job *models.UploadJob) {
	err := u.uploadEntity(ctx, job)

	switch {
	case err == nil:
		if cerr := u.store.CompleteJob(ctx, job.ID); cerr != nil && !errors.Is(cerr, models.ErrInvalidTransition) {
			logger.ErrorCtx(ctx, "failed to complete queue item", logger.Job(job.ID), logger.Err(cerr))
		}

	case errors.Is(err, errYieldPaused):
		if rerr := u.store.RequeueJob(ctx, job.ID); rerr != nil && !errors.Is(rerr, models.ErrInvalidTransition) {
			logger.ErrorCtx(ctx, "failed to requeue paused item", logger.Job(job.ID), logger.Err(rerr))
		}

	case errors.Is(err, errYieldCancelled):
		// CancelSession already moved the row; nothing further.

	case nntp.IsRetryable(err):
		u.metrics.ObserveJobFailure()
		if ferr := u.store.FailJob(ctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, models.ErrInvalidTransition) {
			logger.ErrorCtx(ctx, "failed to record item failure", logger.Job(job.ID), logger.Err(ferr))
		}
		logger.WarnCtx(ctx, "upload item failed, will retry",
			logger.Job(job.ID), logger.Attempt(job.RetryCount+1), logger.Err(err))

	default:
		u.metrics.ObserveJobFailure()
		if ferr := u.store.FailJobFinal(ctx, job.ID, err.Error()); ferr != nil && !errors.Is(ferr, models.ErrInvalidTransition) {
			logger.ErrorCtx(ctx, "failed to record item failure", logger.Job(job.ID), logger.Err(ferr))
		}
		logger.ErrorCtx(ctx, "upload item failed permanently", logger.Job(job.ID), logger.Err(err))
	}
}

// Yield sentinels routed by processJob.
var (
	errYieldPaused    = errors.New("yield: session paused")
	errYieldCancelled = errors.New("yield: session cancelled")
)

// uploadEntity expands one queue item into segment copies and posts them.
func (u *Uploader) uploadEntity(ctx context.Context, job *models.UploadJob) error {
	switch job.EntityType {
	case models.EntityFolder:
		return u.uploadFolder(ctx, job)
	case models.EntityFile:
		return u.uploadFile(ctx, job)
	case models.EntitySegment:
		return u.uploadSegment(ctx, job)
	default:
		return fmt.Errorf("unknown queue entity type %q", job.EntityType)
	}
}

// uploadFolder posts every pending copy of the folder's current version in
// group-batched passes.
func (u *Uploader) uploadFolder(ctx context.Context, job *models.UploadJob) error {
	folder, err := u.store.GetFolder(ctx, job.EntityID)
	if err != nil {
		return err
	}
	builder, err := segmenter.NewBodyBuilder(u.store, folder)
	if err != nil {
		return err
	}

	for {
		segs, err := u.store.ListPostableSegments(ctx, folder.ID, folder.Version, u.config.BatchSize)
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}

		// Batch by target group so consecutive posts share GROUP state
		// server-side. Stable sort keeps FIFO order within a group.
		sort.SliceStable(segs, func(i, j int) bool { return segs[i].Group < segs[j].Group })

		postedThisPass := 0
		var lastErr error
		for _, seg := range segs {
			if err := u.yield(ctx, job.SessionID); err != nil {
				return err
			}
			if err := u.postCopy(ctx, builder, job.SessionID, seg); err != nil {
				lastErr = err
				continue
			}
			postedThisPass++
		}
		if postedThisPass == 0 {
			return fmt.Errorf("no copy of %d pending segments could be posted: %w", len(segs), lastErr)
		}
	}
}

// uploadFile posts the pending copies of one file.
func (u *Uploader) uploadFile(ctx context.Context, job *models.UploadJob) error {
	f, err := u.store.GetFile(ctx, job.EntityID)
	if err != nil {
		return err
	}
	folder, err := u.store.GetFolder(ctx, f.FolderID)
	if err != nil {
		return err
	}
	builder, err := segmenter.NewBodyBuilder(u.store, folder)
	if err != nil {
		return err
	}

	segs, err := u.store.ListFileSegments(ctx, f.ID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, seg := range segs {
		if seg.State != models.SegmentPending && seg.State != models.SegmentFailed {
			continue
		}
		if seg.PackedSegmentID != "" {
			// Member rows ride on their container; the container posts
			// through the folder item.
			continue
		}
		if err := u.yield(ctx, job.SessionID); err != nil {
			return err
		}
		if err := u.postCopy(ctx, builder, job.SessionID, seg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// uploadSegment posts one copy.
func (u *Uploader) uploadSegment(ctx context.Context, job *models.UploadJob) error {
	seg, err := u.store.GetSegment(ctx, job.EntityID)
	if err != nil {
		return err
	}
	folder, err := u.folderForSegment(ctx, seg)
	if err != nil {
		return err
	}
	builder, err := segmenter.NewBodyBuilder(u.store, folder)
	if err != nil {
		return err
	}
	if err := u.yield(ctx, job.SessionID); err != nil {
		return err
	}
	return u.postCopy(ctx, builder, job.SessionID, seg)
}

func (u *Uploader) folderForSegment(ctx context.Context, seg *models.Segment) (*models.Folder, error) {
	if seg.FileID != "" {
		f, err := u.store.GetFile(ctx, seg.FileID)
		if err != nil {
			return nil, err
		}
		return u.store.GetFolder(ctx, f.FolderID)
	}
	packed, err := u.store.GetPackedSegment(ctx, seg.PackedSegmentID)
	if err != nil {
		return nil, err
	}
	return u.store.GetFolder(ctx, packed.FolderID)
}

// yield is the cooperative suspension point between segments.
func (u *Uploader) yield(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.isCancelled(sessionID) {
		return errYieldCancelled
	}
	if u.isPaused(sessionID) {
		return errYieldPaused
	}
	return nil
}

// postCopy rebuilds and posts one segment copy, then finalizes its row and
// the article projection. Replay-safe: a copy that was already finalized by
// another worker is skipped.
func (u *Uploader) postCopy(ctx context.Context, builder *segmenter.BodyBuilder, sessionID string, seg *models.Segment) error {
	err := u.store.MarkSegmentUploading(ctx, seg.ID)
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil // finalized concurrently
	}
	if err != nil {
		return err
	}

	ciphertext, err := builder.Build(ctx, seg)
	if err != nil {
		u.markFailed(ctx, seg.ID)
		return err
	}

	article := &nntp.Article{
		Subject:   seg.Subject,
		Group:     seg.Group,
		MessageID: nntp.NewMessageID(),
		Body:      codec.EncodeArticleBody(seg.CiphertextHash[:32], seg.RedundancyIndex, ciphertext),
	}

	start := time.Now()
	server, err := u.poster.PostArticle(ctx, article)
	if err != nil {
		u.markFailed(ctx, seg.ID)
		u.count(sessionID, func(c *sessionCounters) { c.failed++ })
		return err
	}
	u.metrics.ObservePost(article.Size(), time.Since(start))

	if err := u.store.MarkSegmentUploaded(ctx, seg.ID, article.MessageID); err != nil {
		return err
	}
	if seg.FileID == "" && seg.PackedSegmentID != "" {
		if err := u.store.MarkPackedMembersUploaded(ctx, seg.PackedSegmentID, seg.RedundancyIndex, article.MessageID); err != nil {
			return err
		}
	}
	if err := u.store.RecordArticle(ctx, &models.Article{
		MessageID: article.MessageID,
		Group:     article.Group,
		Subject:   article.Subject,
		SizeLines: article.Lines(),
		Server:    server,
		PostedAt:  time.Now(),
	}); err != nil {
		return err
	}
	if seg.FileID != "" {
		// uploaded_segments counts logical segments: bump it when the first
		// copy of this segment lands, not once per redundancy copy.
		first, cerr := u.firstUploadedCopy(ctx, seg)
		if cerr != nil {
			return cerr
		}
		if first {
			if err := u.store.IncrementUploadedSegments(ctx, seg.FileID, 1); err != nil {
				return err
			}
		}
	}

	u.count(sessionID, func(c *sessionCounters) {
		c.posted++
		c.bytes += article.Size()
	})
	u.reportProgress(sessionID)

	logger.DebugCtx(ctx, "segment copy posted",
		logger.Segment(seg.SegmentID),
		"redundancy", seg.RedundancyIndex,
		logger.MessageID(article.MessageID),
		logger.Server(server))
	return nil
}

// firstUploadedCopy reports whether seg is the only uploaded copy of its
// logical segment.
func (u *Uploader) firstUploadedCopy(ctx context.Context, seg *models.Segment) (bool, error) {
	copies, err := u.store.GetSegmentCopies(ctx, seg.SegmentID)
	if err != nil {
		return false, err
	}
	for _, c := range copies {
		if c.ID != seg.ID && c.State == models.SegmentUploaded {
			return false, nil
		}
	}
	return true, nil
}

func (u *Uploader) markFailed(ctx context.Context, segID string) {
	if err := u.store.MarkSegmentFailed(ctx, segID); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		logger.Warn("failed to mark segment copy failed", logger.Segment(segID), logger.Err(err))
	}
}

func (u *Uploader) count(sessionID string, fn func(*sessionCounters)) {
	v, _ := u.posted.LoadOrStore(sessionID, &sessionCounters{})
	c := v.(*sessionCounters)
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func (u *Uploader) reportProgress(sessionID string) {
	u.mu.Lock()
	fn := u.onProgress
	u.mu.Unlock()
	if fn == nil {
		return
	}

	v, _ := u.posted.LoadOrStore(sessionID, &sessionCounters{})
	c := v.(*sessionCounters)
	c.mu.Lock()
	p := Progress{SessionID: sessionID, Posted: c.posted, Failed: c.failed, Bytes: c.bytes}
	c.mu.Unlock()
	fn(p)
}

// SessionProgress aggregates a session's queue counts for the status
// surface.
func (u *Uploader) SessionProgress(ctx context.Context, sessionID string) (map[string]int64, error) {
	return u.store.JobStateCounts(ctx, sessionID)
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func newSessionID() (string, error) {
	return crypto.NewID()
}
