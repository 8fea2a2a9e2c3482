package indexer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/segmenter"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func provisionFolder(t *testing.T, s *store.Store) (*models.Folder, string) {
	t.Helper()

	dir := t.TempDir()
	signer, err := crypto.NewSigner()
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	key, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}

	folder := &models.Folder{
		Path:            dir,
		Name:            filepath.Base(dir),
		SigningKeySeed:  signer.EncodedSeed(),
		PublicKey:       base64.StdEncoding.EncodeToString(signer.PublicKey()),
		ContentKey:      base64.StdEncoding.EncodeToString(key),
		Encrypted:       true,
		RedundancyLevel: 1,
		TargetGroup:     "alt.binaries.test",
	}
	id, err := s.CreateFolder(context.Background(), folder)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	folder.ID = id
	return folder, dir
}

func writeFile(t *testing.T, dir, rel string, data []byte) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(full), err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
}

func sha256hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestInitialIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	readme := []byte("hello usenetsync\n")
	writeFile(t, dir, "readme.txt", readme)
	writeFile(t, dir, "media/clip.bin", bytes.Repeat([]byte("m"), 2048))
	writeFile(t, dir, "media/sub/deep.txt", []byte("deep"))

	ix := New(s, Config{}, nil)
	res, err := ix.Index(ctx, folder.ID)
	if err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	if res.Version != 1 {
		t.Errorf("first pass should produce version 1, got %d", res.Version)
	}
	if res.Added != 3 || res.Modified != 0 || res.Deleted != 0 || res.Unchanged != 0 {
		t.Errorf("unexpected change counts: %+v", res)
	}
	if res.FileCount != 3 {
		t.Errorf("expected 3 files, got %d", res.FileCount)
	}
	if res.TotalBytes != int64(len(readme))+2048+4 {
		t.Errorf("unexpected total bytes: %d", res.TotalBytes)
	}

	t.Run("rows persisted with content hashes", func(t *testing.T) {
		f, err := s.GetLatestFileVersion(ctx, folder.ID, "readme.txt")
		if err != nil {
			t.Fatalf("GetLatestFileVersion failed: %v", err)
		}
		if f.ContentHash != sha256hex(readme) {
			t.Errorf("hash mismatch: %s", f.ContentHash)
		}
		if f.ChangeKind != models.ChangeAdded {
			t.Errorf("expected added, got %s", f.ChangeKind)
		}
		if f.PreviousVersion != nil {
			t.Error("a fresh row must not link a previous version")
		}
		if f.MimeType == "" {
			t.Error("mime type should be derived from the extension")
		}
	})

	t.Run("nested paths are slash-relative", func(t *testing.T) {
		if _, err := s.GetLatestFileVersion(ctx, folder.ID, "media/sub/deep.txt"); err != nil {
			t.Errorf("nested path not found: %v", err)
		}
	})

	t.Run("folder stats updated", func(t *testing.T) {
		got, err := s.GetFolder(ctx, folder.ID)
		if err != nil {
			t.Fatalf("GetFolder failed: %v", err)
		}
		if got.Version != 1 || got.FileCount != 3 {
			t.Errorf("folder stats not bumped: version=%d files=%d", got.Version, got.FileCount)
		}
	})
}

func TestUnchangedPassWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	writeFile(t, dir, "stable.txt", []byte("never changes"))

	ix := New(s, Config{}, nil)
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	res, err := ix.Index(ctx, folder.ID)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if res.Changed() {
		t.Errorf("second pass over an untouched tree reported changes: %+v", res)
	}
	if res.Version != 1 {
		t.Errorf("version must not move without changes, got %d", res.Version)
	}

	f, err := s.GetLatestFileVersion(ctx, folder.ID, "stable.txt")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	if f.Version != 1 {
		t.Errorf("a no-change pass must not write rows, latest version is %d", f.Version)
	}
}

func TestReindexDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	writeFile(t, dir, "kept.txt", []byte("kept as is"))
	writeFile(t, dir, "edited.txt", []byte("draft"))
	writeFile(t, dir, "doomed.txt", []byte("will vanish"))

	ix := New(s, Config{}, nil)
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	writeFile(t, dir, "edited.txt", []byte("final"))
	writeFile(t, dir, "fresh.txt", []byte("brand new"))
	if err := os.Remove(filepath.Join(dir, "doomed.txt")); err != nil {
		t.Fatalf("failed to remove doomed.txt: %v", err)
	}

	res, err := ix.Index(ctx, folder.ID)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	if res.Version != 2 {
		t.Errorf("expected version 2, got %d", res.Version)
	}
	if res.Added != 1 || res.Modified != 1 || res.Deleted != 1 || res.Unchanged != 1 {
		t.Errorf("unexpected change counts: %+v", res)
	}

	t.Run("modified row links its ancestor", func(t *testing.T) {
		f, err := s.GetLatestFileVersion(ctx, folder.ID, "edited.txt")
		if err != nil {
			t.Fatalf("GetLatestFileVersion failed: %v", err)
		}
		if f.ChangeKind != models.ChangeModified || f.Version != 2 {
			t.Errorf("expected modified@2, got %s@%d", f.ChangeKind, f.Version)
		}
		if f.PreviousVersion == nil || *f.PreviousVersion != 1 {
			t.Errorf("previous version link missing or wrong: %v", f.PreviousVersion)
		}
		if f.ContentHash != sha256hex([]byte("final")) {
			t.Errorf("hash not refreshed: %s", f.ContentHash)
		}
	})

	t.Run("unchanged row carried to the new version", func(t *testing.T) {
		f, err := s.GetLatestFileVersion(ctx, folder.ID, "kept.txt")
		if err != nil {
			t.Fatalf("GetLatestFileVersion failed: %v", err)
		}
		if f.ChangeKind != models.ChangeUnchanged || f.Version != 2 {
			t.Errorf("expected unchanged@2, got %s@%d", f.ChangeKind, f.Version)
		}
		if f.PreviousVersion == nil || *f.PreviousVersion != 1 {
			t.Errorf("previous version link missing or wrong: %v", f.PreviousVersion)
		}
	})

	t.Run("vanished path tombstoned", func(t *testing.T) {
		f, err := s.GetLatestFileVersion(ctx, folder.ID, "doomed.txt")
		if err != nil {
			t.Fatalf("GetLatestFileVersion failed: %v", err)
		}
		if !f.Deleted() || f.Version != 2 {
			t.Errorf("expected tombstone@2, got %s@%d", f.ChangeKind, f.Version)
		}
		if f.Size != 0 {
			t.Errorf("tombstone carries size %d", f.Size)
		}
	})

	t.Run("live listing excludes the tombstone", func(t *testing.T) {
		files, err := s.ListFilesAtVersion(ctx, folder.ID, 2)
		if err != nil {
			t.Fatalf("ListFilesAtVersion failed: %v", err)
		}
		for _, f := range files {
			if f.Path == "doomed.txt" {
				t.Error("deleted file still listed as live")
			}
		}
		if len(files) != 3 {
			t.Errorf("expected 3 live files, got %d", len(files))
		}
	})

	t.Run("third pass is quiet", func(t *testing.T) {
		res, err := ix.Index(ctx, folder.ID)
		if err != nil {
			t.Fatalf("third pass failed: %v", err)
		}
		if res.Changed() {
			t.Errorf("third pass reported changes: %+v", res)
		}
	})
}

func TestReaddedFileAfterDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	writeFile(t, dir, "phoenix.txt", []byte("first life"))

	ix := New(s, Config{}, nil)
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "phoenix.txt")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	writeFile(t, dir, "phoenix.txt", []byte("second life"))
	res, err := ix.Index(ctx, folder.ID)
	if err != nil {
		t.Fatalf("third pass failed: %v", err)
	}
	if res.Added != 1 {
		t.Errorf("a path returning after a tombstone counts as added, got %+v", res)
	}

	f, err := s.GetLatestFileVersion(ctx, folder.ID, "phoenix.txt")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	if f.ChangeKind != models.ChangeAdded {
		t.Errorf("expected added, got %s", f.ChangeKind)
	}
}

// An unchanged file keeps its segmentation plan across versions, so an
// upload pass after a quiet re-index does not re-plan or re-post it.
func TestUnchangedCarriesSegmentPlan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	writeFile(t, dir, "payload.bin", bytes.Repeat([]byte("s"), 2500))
	writeFile(t, dir, "nudge.txt", []byte("v1"))

	ix := New(s, Config{}, nil)
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if _, err := segmenter.New(s, segmenter.Config{SegmentSize: 1024, Redundancy: 1}).SegmentFolder(ctx, folder.ID); err != nil {
		t.Fatalf("SegmentFolder failed: %v", err)
	}

	before, err := s.GetLatestFileVersion(ctx, folder.ID, "payload.bin")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	if before.TotalSegments == 0 {
		t.Fatal("segmentation plan missing before re-index")
	}

	// Touch an unrelated file so the pass produces a new version.
	writeFile(t, dir, "nudge.txt", []byte("v2"))
	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}

	after, err := s.GetLatestFileVersion(ctx, folder.ID, "payload.bin")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	if after.Version != 2 || after.ChangeKind != models.ChangeUnchanged {
		t.Fatalf("expected unchanged@2, got %s@%d", after.ChangeKind, after.Version)
	}
	if after.TotalSegments != before.TotalSegments ||
		after.SegmentSize != before.SegmentSize ||
		after.EncryptionKeyRef != before.EncryptionKeyRef {
		t.Error("segmentation plan not carried onto the unchanged row")
	}
}

// A hash error ends the pass without stranding pool goroutines on the
// unbuffered job and result channels.
func TestHashErrorReleasesWorkers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "unreadable"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	paths := []string{"unreadable"} // opens fine, reads with EISDIR
	for i := 0; i < 40; i++ {
		rel := filepath.Join("bulk", string(rune('a'+i%26))+string(rune('0'+i/26))+".dat")
		writeFile(t, dir, rel, bytes.Repeat([]byte{byte(i)}, 256))
		paths = append(paths, filepath.ToSlash(rel))
	}

	ix := New(s, Config{Workers: 2}, nil)
	before := runtime.NumGoroutine()

	if _, err := ix.hashAll(ctx, dir, paths); err == nil {
		t.Fatal("expected a hash error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("pool goroutines did not exit: %d running, started with %d",
				runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestProgressReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folder, dir := provisionFolder(t, s)
	for i := 0; i < 12; i++ {
		writeFile(t, dir, filepath.Join("bulk", string(rune('a'+i))+".dat"), bytes.Repeat([]byte{byte(i)}, 64))
	}

	ix := New(s, Config{ProgressEvery: 5}, nil)
	var phases []string
	ix.OnProgress(func(p Progress) { phases = append(phases, p.Phase) })

	if _, err := ix.Index(ctx, folder.ID); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if len(phases) == 0 {
		t.Fatal("no progress reports")
	}
	sawHashing := false
	for _, ph := range phases {
		switch ph {
		case "scanning", "hashing":
		default:
			t.Errorf("unknown phase %q", ph)
		}
		if ph == "hashing" {
			sawHashing = true
		}
	}
	if !sawHashing {
		t.Error("expected at least one hashing report")
	}
}
