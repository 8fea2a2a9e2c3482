// Package indexer walks a folder tree, hashes file content, and emits
// versioned file records with change kinds. A re-index diffs the tree
// against the latest recorded rows: new paths become added, changed hashes
// modified, vanished paths tombstoned, everything else unchanged.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/metrics"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// Config tunes the scan. Worker count and batch size are the principal
// knobs when hashing is the bottleneck.
type Config struct {
	// Workers is the hashing worker count.
	Workers int

	// BatchSize is the number of file rows per bulk commit.
	BatchSize int

	// ChunkSize is the read size for streaming hashes.
	ChunkSize int

	// ProgressEvery and ProgressInterval bound the progress cadence:
	// a report goes out every N files or every interval, whichever
	// comes first.
	ProgressEvery    int
	ProgressInterval time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64 * 1024
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 10
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 200 * time.Millisecond
	}
}

// Progress is one scan progress report.
type Progress struct {
	Phase       string // "scanning" or "hashing"
	Current     int64
	Total       int64
	CurrentPath string
}

// Result summarizes one index pass.
type Result struct {
	FolderID string
	Version  int

	Added     int
	Modified  int
	Deleted   int
	Unchanged int

	FileCount  int64
	TotalBytes int64
}

// Changed reports whether the pass found any added, modified, or deleted
// files.
func (r *Result) Changed() bool {
	return r.Added+r.Modified+r.Deleted > 0
}

// Indexer scans folders into versioned file records.
type Indexer struct {
	store   *store.Store
	config  Config
	metrics *metrics.IndexerMetrics

	mu         sync.Mutex
	onProgress func(Progress)
}

// New creates an indexer.
func New(st *store.Store, config Config, m *metrics.IndexerMetrics) *Indexer {
	config.ApplyDefaults()
	return &Indexer{store: st, config: config, metrics: m}
}

// OnProgress registers the progress callback. Reports arrive from the
// coordinator goroutine, never concurrently.
func (ix *Indexer) OnProgress(fn func(Progress)) {
	ix.mu.Lock()
	ix.onProgress = fn
	ix.mu.Unlock()
}

func (ix *Indexer) report(p Progress) {
	ix.mu.Lock()
	fn := ix.onProgress
	ix.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// scanned is one hashed regular file.
type scanned struct {
	path string // relative, slash-separated
	size int64
	hash string
	mime string
	err  error
}

// Index performs one pass over the folder's tree. When the pass finds
// changes, the folder version increments and a row per present file is
// written at the new version (unchanged files included), plus a tombstone
// per vanished path. A pass that finds nothing new writes nothing.
func (ix *Indexer) Index(ctx context.Context, folderID string) (*Result, error) {
	start := time.Now()

	folder, err := ix.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}

	lc := logger.NewLogContext("index").WithFolder(folderID)
	ctx = logger.WithContext(ctx, lc)

	paths, err := ix.scanTree(ctx, folder.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", folder.Path, err)
	}

	records, err := ix.hashAll(ctx, folder.Path, paths)
	if err != nil {
		return nil, err
	}

	prior, err := ix.store.ListLatestFiles(ctx, folderID)
	if err != nil {
		return nil, err
	}
	priorByPath := make(map[string]*models.File, len(prior))
	for _, f := range prior {
		priorByPath[f.Path] = f
	}

	result, rows, err := ix.diff(folder, records, priorByPath)
	if err != nil {
		return nil, err
	}

	if !result.Changed() {
		logger.InfoCtx(ctx, "index pass found no changes",
			"files", result.FileCount,
			logger.DurationMs(float64(time.Since(start).Milliseconds())))
		ix.metrics.ObserveScan(time.Since(start))
		return result, nil
	}

	// Persist in bulk batches, then bump the folder counters. The upsert
	// path converges when an interrupted pass reruns at the same version.
	for i := 0; i < len(rows); i += ix.config.BatchSize {
		end := i + ix.config.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := ix.store.CreateFiles(ctx, rows[i:end]); err != nil {
			return nil, fmt.Errorf("failed to persist file records: %w", err)
		}
	}

	if err := ix.store.UpdateFolderStats(ctx, folderID, result.Version, result.FileCount, result.TotalBytes); err != nil {
		return nil, err
	}

	ix.metrics.ObserveScan(time.Since(start))
	logger.InfoCtx(ctx, "index pass complete",
		logger.KeyVersion, result.Version,
		"added", result.Added,
		"modified", result.Modified,
		"deleted", result.Deleted,
		"unchanged", result.Unchanged,
		logger.DurationMs(float64(time.Since(start).Milliseconds())))

	return result, nil
}

// scanTree collects the relative paths of every regular file under root.
func (ix *Indexer) scanTree(ctx context.Context, root string) ([]string, error) {
	var paths []string
	count := int64(0)
	lastReport := time.Now()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))

		count++
		if count%int64(ix.config.ProgressEvery) == 0 || time.Since(lastReport) >= ix.config.ProgressInterval {
			ix.report(Progress{Phase: "scanning", Current: count, CurrentPath: rel})
			lastReport = time.Now()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// hashAll streams every file through the worker pool and collects the
// hashed records in path order.
func (ix *Indexer) hashAll(ctx context.Context, root string, paths []string) ([]scanned, error) {
	// The internal cancel releases blocked workers and the feeder when the
	// consumer bails out early on a hash error.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan string)
	results := make(chan scanned)

	var wg sync.WaitGroup
	for i := 0; i < ix.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rel := range jobs {
				select {
				case results <- ix.hashOne(root, rel):
				case <-hctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, rel := range paths {
			select {
			case jobs <- rel:
			case <-hctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	byPath := make(map[string]scanned, len(paths))
	done := int64(0)
	total := int64(len(paths))
	lastReport := time.Now()

	for r := range results {
		if r.err != nil {
			// A file that vanished mid-scan is treated as absent; anything
			// else fails the pass.
			if os.IsNotExist(r.err) {
				logger.WarnCtx(ctx, "file vanished during scan", logger.Path(r.path))
				continue
			}
			return nil, fmt.Errorf("failed to hash %s: %w", r.path, r.err)
		}
		byPath[r.path] = r
		ix.metrics.ObserveFile(r.size)

		done++
		if done%int64(ix.config.ProgressEvery) == 0 || time.Since(lastReport) >= ix.config.ProgressInterval {
			ix.report(Progress{Phase: "hashing", Current: done, Total: total, CurrentPath: r.path})
			lastReport = time.Now()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix.report(Progress{Phase: "hashing", Current: done, Total: total})

	out := make([]scanned, 0, len(byPath))
	for _, rel := range paths {
		if r, ok := byPath[rel]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// hashOne computes the streaming SHA-256 of one file.
func (ix *Indexer) hashOne(root, rel string) scanned {
	full := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		return scanned{path: rel, err: err}
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, ix.config.ChunkSize)
	size := int64(0)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return scanned{path: rel, err: rerr}
		}
	}

	return scanned{
		path: rel,
		size: size,
		hash: hex.EncodeToString(h.Sum(nil)),
		mime: mime.TypeByExtension(filepath.Ext(rel)),
	}
}

// diff compares the scan against the prior rows and builds the rows of the
// next version.
func (ix *Indexer) diff(folder *models.Folder, records []scanned, prior map[string]*models.File) (*Result, []*models.File, error) {
	result := &Result{FolderID: folder.ID, Version: folder.Version}
	newVersion := folder.Version + 1

	rows := make([]*models.File, 0, len(records))
	seen := make(map[string]bool, len(records))

	for _, r := range records {
		seen[r.path] = true
		result.FileCount++
		result.TotalBytes += r.size

		prev, existed := prior[r.path]
		row := &models.File{
			FolderID:    folder.ID,
			Path:        r.path,
			Version:     newVersion,
			Size:        r.size,
			ContentHash: r.hash,
			MimeType:    r.mime,
		}

		switch {
		case !existed || prev.Deleted():
			row.ChangeKind = models.ChangeAdded
			result.Added++
		case prev.ContentHash == r.hash:
			row.ChangeKind = models.ChangeUnchanged
			v := prev.Version
			row.PreviousVersion = &v
			// Segments stay attached to the ancestor row; carry the plan
			// so readers see the totals without chasing the chain.
			row.SegmentSize = prev.SegmentSize
			row.TotalSegments = prev.TotalSegments
			row.UploadedSegments = prev.UploadedSegments
			row.EncryptionKeyRef = prev.EncryptionKeyRef
			result.Unchanged++
		default:
			row.ChangeKind = models.ChangeModified
			v := prev.Version
			row.PreviousVersion = &v
			result.Modified++
		}

		id, err := crypto.NewID()
		if err != nil {
			return nil, nil, err
		}
		row.ID = id
		rows = append(rows, row)
		ix.metrics.ObserveChange(row.ChangeKind)
	}

	// Tombstones for paths present before and missing now.
	for path, prev := range prior {
		if seen[path] || prev.Deleted() {
			continue
		}
		id, err := crypto.NewID()
		if err != nil {
			return nil, nil, err
		}
		v := prev.Version
		rows = append(rows, &models.File{
			ID:              id,
			FolderID:        folder.ID,
			Path:            path,
			Version:         newVersion,
			PreviousVersion: &v,
			Size:            0,
			ContentHash:     prev.ContentHash,
			ChangeKind:      models.ChangeDeleted,
		})
		result.Deleted++
		ix.metrics.ObserveChange(models.ChangeDeleted)
	}

	if result.Changed() {
		result.Version = newVersion
	}
	return result, rows, nil
}
