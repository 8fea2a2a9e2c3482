package retriever

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/cache"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/indexer"
	"github.com/usenetsync/usenetsync/pkg/nntp"
	"github.com/usenetsync/usenetsync/pkg/segmenter"
	"github.com/usenetsync/usenetsync/pkg/store"
	"github.com/usenetsync/usenetsync/pkg/store/models"
	"github.com/usenetsync/usenetsync/pkg/uploader"
)

// usenetSim is an in-memory article store serving as both poster and
// fetcher, standing in for a news server.
type usenetSim struct {
	mu       sync.Mutex
	articles map[string][]string
}

func newUsenetSim() *usenetSim {
	return &usenetSim{articles: make(map[string][]string)}
}

func (s *usenetSim) PostArticle(_ context.Context, a *nntp.Article) (string, error) {
	lines := strings.Split(string(a.Body), "\r\n")
	// A server hands back body lines without a trailing blank.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	s.mu.Lock()
	s.articles[a.MessageID] = lines
	s.mu.Unlock()
	return "news.example.com", nil
}

func (s *usenetSim) FetchBody(_ context.Context, messageID, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines, ok := s.articles[messageID]
	if !ok {
		return nil, nntp.ErrNoSuchArticle
	}
	return lines, nil
}

func (s *usenetSim) drop(messageID string) {
	s.mu.Lock()
	delete(s.articles, messageID)
	s.mu.Unlock()
}

func (s *usenetSim) corrupt(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.articles[messageID]
	if len(lines) > 2 {
		lines[2] = "garbage in the middle of the body"
	}
}

func (s *usenetSim) restore(messageID string, lines []string) {
	s.mu.Lock()
	s.articles[messageID] = lines
	s.mu.Unlock()
}

func (s *usenetSim) get(messageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.articles[messageID]
}

// recordingFetcher wraps the simulator, counting fetches per message id and
// failing the ids it is told to.
type recordingFetcher struct {
	sim    *usenetSim
	mu     sync.Mutex
	counts map[string]int
	fail   map[string]bool
}

func newRecordingFetcher(sim *usenetSim) *recordingFetcher {
	return &recordingFetcher{sim: sim, counts: make(map[string]int), fail: make(map[string]bool)}
}

func (f *recordingFetcher) FetchBody(ctx context.Context, messageID, prefer string) ([]string, error) {
	f.mu.Lock()
	f.counts[messageID]++
	failing := f.fail[messageID]
	f.mu.Unlock()
	if failing {
		return nil, nntp.ErrNoSuchArticle
	}
	return f.sim.FetchBody(ctx, messageID, prefer)
}

func (f *recordingFetcher) failMessage(messageID string) {
	f.mu.Lock()
	f.fail[messageID] = true
	f.mu.Unlock()
}

func (f *recordingFetcher) heal() {
	f.mu.Lock()
	f.fail = make(map[string]bool)
	f.mu.Unlock()
}

func (f *recordingFetcher) count(messageID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[messageID]
}

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

// publishedShare is a fully indexed, uploaded, and published source setup.
type publishedShare struct {
	store  *store.Store
	sim    *usenetSim
	folder *models.Folder
	src    string
	token  string
	share  *models.Share
}

// buildShare provisions a folder with a multi-segment file and two packed
// files, runs the full upload pipeline, and publishes one share.
func buildShare(t *testing.T, opts access.ShareOptions, maxChunk int) *publishedShare {
	t.Helper()
	ctx := context.Background()
	s := newTestStore(t)
	sim := newUsenetSim()

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
		RedundancyLevel: 2,
		TargetGroup:     "alt.binaries.test",
	}
	folderID, err := s.CreateFolder(ctx, folder)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	folder.ID = folderID

	write := func(name string, data []byte) {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	write("movie.bin", bytes.Repeat([]byte("scene data "), 260)) // 2860 bytes, 3 segments
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	write("notes/a.txt", bytes.Repeat([]byte("alpha "), 20)) // 120 bytes, packed
	write("notes/b.txt", bytes.Repeat([]byte("beta "), 16))  // 80 bytes, packed

	ix := indexer.New(s, indexer.Config{}, nil)
	if _, err := ix.Index(ctx, folderID); err != nil {
		t.Fatalf("Index failed: %v", err)
	}
	if _, err := segmenter.New(s, segmenter.Config{
		SegmentSize:   1024,
		PackThreshold: 256,
		Redundancy:    2,
		Compression:   true,
	}).SegmentFolder(ctx, folderID); err != nil {
		t.Fatalf("SegmentFolder failed: %v", err)
	}

	up := uploader.New(s, sim, uploader.Config{Workers: 2, PollInterval: time.Millisecond}, nil)
	session, err := up.EnqueueFolder(ctx, folderID, 0)
	if err != nil {
		t.Fatalf("EnqueueFolder failed: %v", err)
	}
	if err := up.Run(ctx, session); err != nil {
		t.Fatalf("upload Run failed: %v", err)
	}

	controller := access.NewController(s, access.Config{})
	pub := access.NewPublisher(s, sim, controller, maxChunk)
	sh, token, err := pub.Publish(ctx, folderID, opts)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	return &publishedShare{store: s, sim: sim, folder: folder, src: dir, token: token, share: sh}
}

func assertTreesEqual(t *testing.T, src, dest string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		want, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("failed to read source %s: %v", p, err)
		}
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(p)))
		if err != nil {
			t.Fatalf("failed to read recovered %s: %v", p, err)
		}
		if !bytes.Equal(want, got) {
			t.Errorf("%s did not round-trip: %d bytes in, %d bytes out", p, len(want), len(got))
		}
	}
}

func TestDownloadOpenShareOnFreshMachine(t *testing.T) {
	ps := buildShare(t, access.ShareOptions{Tier: models.TierOpen, OwnerID: "owner"}, 256)

	// The recipient has only the token and the wire: empty store, no keys.
	remote := newTestStore(t)
	controller := access.NewController(remote, access.Config{})
	r := New(remote, ps.sim, controller, nil, Config{Workers: 3}, nil)

	dest := t.TempDir()
	summary, err := r.Download(context.Background(), ps.token, dest, Options{})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if summary.Verified != 3 || len(summary.Failures) != 0 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	assertTreesEqual(t, ps.src, dest, "movie.bin", "notes/a.txt", "notes/b.txt")
}

func TestDownloadPassphraseShare(t *testing.T) {
	ps := buildShare(t, access.ShareOptions{
		Tier:       models.TierPassphrase,
		OwnerID:    "owner",
		Passphrase: "correct horse",
	}, 0)

	controller := access.NewController(ps.store, access.Config{})
	r := New(ps.store, ps.sim, controller, nil, Config{}, nil)

	t.Run("wrong passphrase denied", func(t *testing.T) {
		_, err := r.Download(context.Background(), ps.token, t.TempDir(), Options{
			Credentials: access.Credentials{Passphrase: "wrong horse"},
		})
		if !errors.Is(err, access.ErrAccessDenied) {
			t.Fatalf("expected ErrAccessDenied, got %v", err)
		}
	})

	t.Run("correct passphrase recovers", func(t *testing.T) {
		dest := t.TempDir()
		summary, err := r.Download(context.Background(), ps.token, dest, Options{
			Credentials: access.Credentials{Passphrase: "correct horse"},
		})
		if err != nil {
			t.Fatalf("Download failed: %v", err)
		}
		if summary.Verified != 3 {
			t.Errorf("unexpected summary: %+v", summary)
		}
		assertTreesEqual(t, ps.src, dest, "movie.bin", "notes/a.txt", "notes/b.txt")
	})

	t.Run("revoked share denied", func(t *testing.T) {
		if err := controller.RevokeShare(context.Background(), ps.share.ID); err != nil {
			t.Fatalf("RevokeShare failed: %v", err)
		}
		_, err := r.Download(context.Background(), ps.token, t.TempDir(), Options{
			Credentials: access.Credentials{Passphrase: "correct horse"},
		})
		if !errors.Is(err, access.ErrAccessDenied) {
			t.Fatalf("expected ErrAccessDenied after revocation, got %v", err)
		}
	})
}

func TestRedundancyFallback(t *testing.T) {
	ps := buildShare(t, access.ShareOptions{Tier: models.TierOpen, OwnerID: "owner"}, 0)
	ctx := context.Background()

	// Corrupt every copy-0 article; copy 1 must carry the download.
	f, err := ps.store.GetLatestFileVersion(ctx, ps.folder.ID, "movie.bin")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	rows, err := ps.store.ListFileSegments(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListFileSegments failed: %v", err)
	}
	corrupted := 0
	for _, row := range rows {
		if row.RedundancyIndex == 0 && row.MessageID != "" {
			ps.sim.corrupt(row.MessageID)
			corrupted++
		}
	}
	if corrupted == 0 {
		t.Fatal("no copy-0 articles found to corrupt")
	}

	remote := newTestStore(t)
	r := New(remote, ps.sim, access.NewController(remote, access.Config{}), nil, Config{}, nil)

	dest := t.TempDir()
	summary, err := r.Download(ctx, ps.token, dest, Options{})
	if err != nil {
		t.Fatalf("Download failed despite intact redundancy copies: %v", err)
	}
	if summary.Verified != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	assertTreesEqual(t, ps.src, dest, "movie.bin")
}

func TestPartialFailureAndResume(t *testing.T) {
	ps := buildShare(t, access.ShareOptions{Tier: models.TierOpen, OwnerID: "owner"}, 0)
	ctx := context.Background()

	// Remove every copy of one of movie.bin's segments.
	f, err := ps.store.GetLatestFileVersion(ctx, ps.folder.ID, "movie.bin")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	rows, err := ps.store.ListFileSegments(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListFileSegments failed: %v", err)
	}
	removed := make(map[string][]string)
	for _, row := range rows {
		if row.SegmentIndex == 1 && row.MessageID != "" {
			removed[row.MessageID] = ps.sim.get(row.MessageID)
			ps.sim.drop(row.MessageID)
		}
	}
	if len(removed) == 0 {
		t.Fatal("no articles removed")
	}

	c, err := cache.New(cache.Config{}, nil)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	remote := newTestStore(t)
	r := New(remote, ps.sim, access.NewController(remote, access.Config{}), c, Config{}, nil)

	dest := t.TempDir()
	summary, err := r.Download(ctx, ps.token, dest, Options{SessionID: "resume-1"})
	if err == nil {
		t.Fatal("expected a partial-failure error")
	}
	if summary.Verified != 2 || len(summary.Failures) != 1 {
		t.Fatalf("unexpected partial summary: %+v", summary)
	}
	if summary.Failures[0].Path != "movie.bin" {
		t.Errorf("expected movie.bin to fail, got %s", summary.Failures[0].Path)
	}
	if !summary.Partial() {
		t.Error("summary should report partial")
	}

	// Articles come back; the rerun refetches only the failed file.
	for id, lines := range removed {
		ps.sim.restore(id, lines)
	}
	summary, err = r.Download(ctx, ps.token, dest, Options{SessionID: "resume-1"})
	if err != nil {
		t.Fatalf("resumed Download failed: %v", err)
	}
	if summary.Resumed != 2 || summary.Verified != 1 {
		t.Errorf("unexpected resume summary: %+v", summary)
	}
	assertTreesEqual(t, ps.src, dest, "movie.bin", "notes/a.txt", "notes/b.txt")
}

func TestResumeKeepsRecoveredWindows(t *testing.T) {
	ps := buildShare(t, access.ShareOptions{Tier: models.TierOpen, OwnerID: "owner"}, 0)
	ctx := context.Background()

	f, err := ps.store.GetLatestFileVersion(ctx, ps.folder.ID, "movie.bin")
	if err != nil {
		t.Fatalf("GetLatestFileVersion failed: %v", err)
	}
	rows, err := ps.store.ListFileSegments(ctx, f.ID)
	if err != nil {
		t.Fatalf("ListFileSegments failed: %v", err)
	}

	// Every copy of segment 1 fails, so the download dies after segment 0
	// has already landed.
	fetcher := newRecordingFetcher(ps.sim)
	firstWindow := make(map[string]bool)
	failed := 0
	for _, row := range rows {
		if row.MessageID == "" {
			continue
		}
		switch row.SegmentIndex {
		case 0:
			firstWindow[row.MessageID] = true
		case 1:
			fetcher.failMessage(row.MessageID)
			failed++
		}
	}
	if len(firstWindow) == 0 || failed == 0 {
		t.Fatal("expected articles for segments 0 and 1")
	}

	c, err := cache.New(cache.Config{}, nil)
	if err != nil {
		t.Fatalf("cache.New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	remote := newTestStore(t)
	r := New(remote, fetcher, access.NewController(remote, access.Config{}), c, Config{Workers: 1}, nil)

	dest := t.TempDir()
	if _, err := r.Download(ctx, ps.token, dest, Options{SessionID: "mid-file-1"}); err == nil {
		t.Fatal("expected a partial-failure error")
	}

	// The interrupted file stays on disk, pre-sized, with segment 0's bytes
	// already in place.
	want, err := os.ReadFile(filepath.Join(ps.src, "movie.bin"))
	if err != nil {
		t.Fatalf("failed to read source: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "movie.bin"))
	if err != nil {
		t.Fatalf("partial file did not survive the failed run: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("partial file has %d bytes, want %d", len(got), len(want))
	}
	if !bytes.Equal(got[:1024], want[:1024]) {
		t.Error("recovered window was discarded by the failed run")
	}

	// Articles come back; the rerun fetches only what is still missing.
	fetcher.heal()
	summary, err := r.Download(ctx, ps.token, dest, Options{SessionID: "mid-file-1"})
	if err != nil {
		t.Fatalf("resumed Download failed: %v", err)
	}
	if summary.Verified != 1 || summary.Resumed != 2 {
		t.Errorf("unexpected resume summary: %+v", summary)
	}
	for id := range firstWindow {
		if n := fetcher.count(id); n > 1 {
			t.Errorf("segment 0 article %s fetched %d times across both runs", id, n)
		}
	}
	assertTreesEqual(t, ps.src, dest, "movie.bin", "notes/a.txt", "notes/b.txt")
}

func TestDownloadRejectsEscapingPaths(t *testing.T) {
	// Only the path check itself: a manifest naming "../x" must be refused
	// without touching the filesystem outside dest.
	if filepath.IsLocal(filepath.FromSlash("../escape")) {
		t.Fatal("expected ../escape to be non-local")
	}
}
