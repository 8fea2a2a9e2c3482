package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/usenetsync/usenetsync/pkg/store/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: ":memory:"},
	})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testFolder(path string) *models.Folder {
	return &models.Folder{
		Path:            path,
		SigningKeySeed:  "c2VlZA==",
		PublicKey:       "cHVi",
		Version:         1,
		RedundancyLevel: 1,
		TargetGroup:     "alt.binaries.test",
		Encrypted:       true,
	}
}

func TestFolderCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		id, err := s.CreateFolder(ctx, testFolder("/data/photos"))
		if err != nil {
			t.Fatalf("CreateFolder failed: %v", err)
		}

		folder, err := s.GetFolder(ctx, id)
		if err != nil {
			t.Fatalf("GetFolder failed: %v", err)
		}
		if folder.Path != "/data/photos" {
			t.Errorf("expected path /data/photos, got %s", folder.Path)
		}

		byPath, err := s.GetFolderByPath(ctx, "/data/photos")
		if err != nil {
			t.Fatalf("GetFolderByPath failed: %v", err)
		}
		if byPath.ID != id {
			t.Errorf("expected id %s, got %s", id, byPath.ID)
		}
	})

	t.Run("duplicate path rejected", func(t *testing.T) {
		if _, err := s.CreateFolder(ctx, testFolder("/data/photos")); !errors.Is(err, models.ErrDuplicateFolder) {
			t.Errorf("expected ErrDuplicateFolder, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		if _, err := s.GetFolder(ctx, "missing"); !errors.Is(err, models.ErrFolderNotFound) {
			t.Errorf("expected ErrFolderNotFound, got %v", err)
		}
	})

	t.Run("update stats", func(t *testing.T) {
		folder, err := s.GetFolderByPath(ctx, "/data/photos")
		if err != nil {
			t.Fatalf("GetFolderByPath failed: %v", err)
		}
		if err := s.UpdateFolderStats(ctx, folder.ID, 2, 10, 4096); err != nil {
			t.Fatalf("UpdateFolderStats failed: %v", err)
		}
		updated, err := s.GetFolder(ctx, folder.ID)
		if err != nil {
			t.Fatalf("GetFolder failed: %v", err)
		}
		if updated.Version != 2 || updated.FileCount != 10 || updated.TotalSize != 4096 {
			t.Errorf("unexpected stats: version=%d files=%d size=%d",
				updated.Version, updated.FileCount, updated.TotalSize)
		}
	})
}

func TestDeleteFolderCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/cascade"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}

	file := &models.File{
		FolderID:    folderID,
		Path:        "a.bin",
		Version:     1,
		Size:        100,
		ContentHash: "aa",
		ChangeKind:  models.ChangeAdded,
	}
	if err := s.CreateFiles(ctx, []*models.File{file}); err != nil {
		t.Fatalf("CreateFiles failed: %v", err)
	}
	if err := s.CreateSegments(ctx, []*models.Segment{{
		SegmentID: "seg-1", RedundancyIndex: 0, FileID: file.ID,
		SegmentIndex: 0, PlainSize: 100, OffsetStart: 0, OffsetEnd: 100,
	}}); err != nil {
		t.Fatalf("CreateSegments failed: %v", err)
	}

	share := &models.Share{
		ID: "ABCDEFGHIJKLMNOPQRSTUVWX", FolderID: folderID,
		Tier: models.TierMember, FolderVersion: 1, OwnerUserID: "owner",
	}
	if err := s.CreateShare(ctx, share); err != nil {
		t.Fatalf("CreateShare failed: %v", err)
	}
	if _, err := s.GrantCommitment(ctx, &models.MemberCommitment{
		ShareID: share.ID, UserID: "bob", CommitmentHash: "cc",
		WrappedKey: "wk", Permissions: "read", GrantedAt: time.Now(),
	}); err != nil {
		t.Fatalf("GrantCommitment failed: %v", err)
	}

	if err := s.DeleteFolder(ctx, folderID); err != nil {
		t.Fatalf("DeleteFolder failed: %v", err)
	}

	if _, err := s.GetFolder(ctx, folderID); !errors.Is(err, models.ErrFolderNotFound) {
		t.Errorf("folder should be gone, got %v", err)
	}
	if _, err := s.GetFile(ctx, file.ID); !errors.Is(err, models.ErrFileNotFound) {
		t.Errorf("file should be gone, got %v", err)
	}
	if _, err := s.GetSegmentCopies(ctx, "seg-1"); !errors.Is(err, models.ErrSegmentNotFound) {
		t.Errorf("segments should be gone, got %v", err)
	}
	if _, err := s.GetShare(ctx, share.ID); !errors.Is(err, models.ErrShareNotFound) {
		t.Errorf("share should be gone, got %v", err)
	}
	if _, err := s.GetCommitment(ctx, share.ID, "bob"); !errors.Is(err, models.ErrCommitmentNotFound) {
		t.Errorf("commitment should be gone, got %v", err)
	}
}

func TestFileVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/files"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}

	v1 := &models.File{FolderID: folderID, Path: "doc.txt", Version: 1, Size: 10, ContentHash: "h1", ChangeKind: models.ChangeAdded}
	prev := 1
	v2 := &models.File{FolderID: folderID, Path: "doc.txt", Version: 2, PreviousVersion: &prev, Size: 20, ContentHash: "h2", ChangeKind: models.ChangeModified}
	other := &models.File{FolderID: folderID, Path: "other.txt", Version: 1, Size: 5, ContentHash: "h3", ChangeKind: models.ChangeAdded}
	gone := &models.File{FolderID: folderID, Path: "gone.txt", Version: 1, Size: 5, ContentHash: "h4", ChangeKind: models.ChangeAdded}
	tomb := &models.File{FolderID: folderID, Path: "gone.txt", Version: 2, PreviousVersion: &prev, Size: 0, ContentHash: "", ChangeKind: models.ChangeDeleted}
	if err := s.CreateFiles(ctx, []*models.File{v1, v2, other, gone, tomb}); err != nil {
		t.Fatalf("CreateFiles failed: %v", err)
	}

	t.Run("latest version wins", func(t *testing.T) {
		latest, err := s.GetLatestFileVersion(ctx, folderID, "doc.txt")
		if err != nil {
			t.Fatalf("GetLatestFileVersion failed: %v", err)
		}
		if latest.Version != 2 || latest.ContentHash != "h2" {
			t.Errorf("expected version 2 hash h2, got version %d hash %s", latest.Version, latest.ContentHash)
		}
	})

	t.Run("specific version", func(t *testing.T) {
		f, err := s.GetFileVersion(ctx, folderID, "doc.txt", 1)
		if err != nil {
			t.Fatalf("GetFileVersion failed: %v", err)
		}
		if f.ContentHash != "h1" {
			t.Errorf("expected hash h1, got %s", f.ContentHash)
		}
	})

	t.Run("live files skip tombstones", func(t *testing.T) {
		files, err := s.ListFilesAtVersion(ctx, folderID, 2)
		if err != nil {
			t.Fatalf("ListFilesAtVersion failed: %v", err)
		}
		if len(files) != 2 {
			t.Fatalf("expected 2 live files, got %d", len(files))
		}
		if files[0].Path != "doc.txt" || files[0].Version != 2 {
			t.Errorf("expected doc.txt v2 first, got %s v%d", files[0].Path, files[0].Version)
		}
		if files[1].Path != "other.txt" {
			t.Errorf("expected other.txt second, got %s", files[1].Path)
		}
	})

	t.Run("as of earlier version tombstone absent", func(t *testing.T) {
		files, err := s.ListFilesAtVersion(ctx, folderID, 1)
		if err != nil {
			t.Fatalf("ListFilesAtVersion failed: %v", err)
		}
		if len(files) != 3 {
			t.Fatalf("expected 3 live files at v1, got %d", len(files))
		}
	})

	t.Run("duplicate version rejected", func(t *testing.T) {
		dup := &models.File{FolderID: folderID, Path: "doc.txt", Version: 2, Size: 1, ContentHash: "x", ChangeKind: models.ChangeModified}
		if err := s.CreateFiles(ctx, []*models.File{dup}); !errors.Is(err, models.ErrDuplicateFile) {
			t.Errorf("expected ErrDuplicateFile, got %v", err)
		}
	})

	t.Run("upsert converges", func(t *testing.T) {
		redo := &models.File{FolderID: folderID, Path: "doc.txt", Version: 2, Size: 22, ContentHash: "h2b", ChangeKind: models.ChangeModified}
		if err := s.UpsertFile(ctx, redo); err != nil {
			t.Fatalf("UpsertFile failed: %v", err)
		}
		f, err := s.GetFileVersion(ctx, folderID, "doc.txt", 2)
		if err != nil {
			t.Fatalf("GetFileVersion failed: %v", err)
		}
		if f.ContentHash != "h2b" || f.Size != 22 {
			t.Errorf("upsert did not apply: hash=%s size=%d", f.ContentHash, f.Size)
		}
	})
}

func TestScanFilesPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/scan"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}

	var files []*models.File
	for i := 0; i < 25; i++ {
		files = append(files, &models.File{
			FolderID:    folderID,
			Path:        fmt.Sprintf("file-%03d.bin", i),
			Version:     1,
			Size:        int64(i),
			ContentHash: fmt.Sprintf("h%d", i),
			ChangeKind:  models.ChangeAdded,
		})
	}
	if err := s.CreateFiles(ctx, files); err != nil {
		t.Fatalf("CreateFiles failed: %v", err)
	}

	var seen []string
	err = s.ScanFiles(ctx, folderID, 1, 10, func(f *models.File) error {
		seen = append(seen, f.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("ScanFiles failed: %v", err)
	}
	if len(seen) != 25 {
		t.Fatalf("expected 25 files, got %d", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("scan out of order: %s before %s", seen[i-1], seen[i])
		}
	}

	t.Run("callback error stops scan", func(t *testing.T) {
		wantErr := errors.New("stop")
		count := 0
		err := s.ScanFiles(ctx, folderID, 1, 10, func(*models.File) error {
			count++
			if count == 5 {
				return wantErr
			}
			return nil
		})
		if !errors.Is(err, wantErr) {
			t.Errorf("expected callback error, got %v", err)
		}
		if count != 5 {
			t.Errorf("expected scan to stop at 5, got %d", count)
		}
	})
}

func TestSegmentStateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/segments"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	file := &models.File{FolderID: folderID, Path: "big.bin", Version: 1, Size: 1 << 20, ContentHash: "bb", ChangeKind: models.ChangeAdded}
	if err := s.CreateFiles(ctx, []*models.File{file}); err != nil {
		t.Fatalf("CreateFiles failed: %v", err)
	}

	seg := &models.Segment{
		SegmentID: "seg-a", RedundancyIndex: 0, FileID: file.ID,
		SegmentIndex: 0, PlainSize: 768000, OffsetStart: 0, OffsetEnd: 768000,
	}
	copy1 := &models.Segment{
		SegmentID: "seg-a", RedundancyIndex: 1, FileID: file.ID,
		SegmentIndex: 0, PlainSize: 768000, OffsetStart: 0, OffsetEnd: 768000,
	}
	if err := s.CreateSegments(ctx, []*models.Segment{seg, copy1}); err != nil {
		t.Fatalf("CreateSegments failed: %v", err)
	}

	t.Run("duplicate copy rejected", func(t *testing.T) {
		dup := &models.Segment{SegmentID: "seg-a", RedundancyIndex: 1, FileID: file.ID, SegmentIndex: 0, PlainSize: 1, OffsetStart: 0, OffsetEnd: 1}
		if err := s.CreateSegments(ctx, []*models.Segment{dup}); err == nil {
			t.Error("expected unique violation for duplicate (segment, copy)")
		}
	})

	t.Run("happy path", func(t *testing.T) {
		if err := s.MarkSegmentUploading(ctx, seg.ID); err != nil {
			t.Fatalf("MarkSegmentUploading failed: %v", err)
		}
		if err := s.MarkSegmentUploaded(ctx, seg.ID, "<msg-1@test>"); err != nil {
			t.Fatalf("MarkSegmentUploaded failed: %v", err)
		}

		got, err := s.GetSegment(ctx, seg.ID)
		if err != nil {
			t.Fatalf("GetSegment failed: %v", err)
		}
		if got.State != models.SegmentUploaded || got.MessageID != "<msg-1@test>" || got.AttemptCount != 1 {
			t.Errorf("unexpected segment: state=%s msgid=%s attempts=%d", got.State, got.MessageID, got.AttemptCount)
		}
	})

	t.Run("terminal state locked", func(t *testing.T) {
		if err := s.MarkSegmentUploading(ctx, seg.ID); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("fail then retry", func(t *testing.T) {
		if err := s.MarkSegmentUploading(ctx, copy1.ID); err != nil {
			t.Fatalf("MarkSegmentUploading failed: %v", err)
		}
		if err := s.MarkSegmentFailed(ctx, copy1.ID); err != nil {
			t.Fatalf("MarkSegmentFailed failed: %v", err)
		}
		if err := s.MarkSegmentUploading(ctx, copy1.ID); err != nil {
			t.Fatalf("retry after failure should be allowed: %v", err)
		}
		got, err := s.GetSegment(ctx, copy1.ID)
		if err != nil {
			t.Fatalf("GetSegment failed: %v", err)
		}
		if got.AttemptCount != 2 {
			t.Errorf("expected 2 attempts, got %d", got.AttemptCount)
		}
	})

	t.Run("missing segment", func(t *testing.T) {
		if err := s.MarkSegmentUploading(ctx, "missing"); !errors.Is(err, models.ErrSegmentNotFound) {
			t.Errorf("expected ErrSegmentNotFound, got %v", err)
		}
	})

	t.Run("state counts", func(t *testing.T) {
		counts, err := s.SegmentStateCounts(ctx, file.ID)
		if err != nil {
			t.Fatalf("SegmentStateCounts failed: %v", err)
		}
		if counts[models.SegmentUploaded] != 1 || counts[models.SegmentUploading] != 1 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})
}

func TestCommitmentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/shares"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	share := &models.Share{
		ID: "SHAREAAAAAAAAAAAAAAAAAAA", FolderID: folderID,
		Tier: models.TierMember, FolderVersion: 1, OwnerUserID: "owner",
	}
	if err := s.CreateShare(ctx, share); err != nil {
		t.Fatalf("CreateShare failed: %v", err)
	}

	grant := &models.MemberCommitment{
		ShareID: share.ID, UserID: "alice", UserPublicKey: "pk",
		CommitmentHash: "h1", WrappedKey: "wk1", Permissions: "read",
		GrantedAt: time.Now(),
	}
	if _, err := s.GrantCommitment(ctx, grant); err != nil {
		t.Fatalf("GrantCommitment failed: %v", err)
	}

	t.Run("double grant rejected", func(t *testing.T) {
		again := &models.MemberCommitment{
			ShareID: share.ID, UserID: "alice", CommitmentHash: "h1",
			WrappedKey: "wk1", Permissions: "read", GrantedAt: time.Now(),
		}
		if _, err := s.GrantCommitment(ctx, again); !errors.Is(err, models.ErrDuplicateCommitment) {
			t.Errorf("expected ErrDuplicateCommitment, got %v", err)
		}
	})

	t.Run("revoke clears wrapped key", func(t *testing.T) {
		if err := s.RevokeCommitment(ctx, share.ID, "alice", time.Now()); err != nil {
			t.Fatalf("RevokeCommitment failed: %v", err)
		}
		c, err := s.GetCommitment(ctx, share.ID, "alice")
		if err != nil {
			t.Fatalf("GetCommitment failed: %v", err)
		}
		if c.Live() {
			t.Error("commitment should be revoked")
		}
		if c.WrappedKey != "" {
			t.Error("wrapped key should be cleared on revocation")
		}

		live, err := s.ListLiveCommitments(ctx, share.ID)
		if err != nil {
			t.Fatalf("ListLiveCommitments failed: %v", err)
		}
		if len(live) != 0 {
			t.Errorf("expected no live commitments, got %d", len(live))
		}
	})

	t.Run("revoke twice fails", func(t *testing.T) {
		if err := s.RevokeCommitment(ctx, share.ID, "alice", time.Now()); !errors.Is(err, models.ErrCommitmentNotFound) {
			t.Errorf("expected ErrCommitmentNotFound, got %v", err)
		}
	})

	t.Run("regrant revives row", func(t *testing.T) {
		revived := &models.MemberCommitment{
			ShareID: share.ID, UserID: "alice", UserPublicKey: "pk",
			CommitmentHash: "h2", WrappedKey: "wk2", Permissions: "read",
			GrantedAt: time.Now(),
		}
		if _, err := s.GrantCommitment(ctx, revived); err != nil {
			t.Fatalf("re-grant failed: %v", err)
		}
		c, err := s.GetCommitment(ctx, share.ID, "alice")
		if err != nil {
			t.Fatalf("GetCommitment failed: %v", err)
		}
		if !c.Live() || c.WrappedKey != "wk2" || c.CommitmentHash != "h2" {
			t.Errorf("revived commitment wrong: live=%v wk=%s hash=%s", c.Live(), c.WrappedKey, c.CommitmentHash)
		}
	})

	t.Run("revoke share", func(t *testing.T) {
		if err := s.RevokeShare(ctx, share.ID, time.Now()); err != nil {
			t.Fatalf("RevokeShare failed: %v", err)
		}
		got, err := s.GetShare(ctx, share.ID)
		if err != nil {
			t.Fatalf("GetShare failed: %v", err)
		}
		if !got.Revoked || got.RevokedAt == nil {
			t.Error("share should be revoked with a timestamp")
		}
	})
}

func TestShareIndexRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	folderID, err := s.CreateFolder(ctx, testFolder("/data/index"))
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	share := &models.Share{
		ID: "INDEXAAAAAAAAAAAAAAAAAAA", FolderID: folderID,
		Tier: models.TierOpen, FolderVersion: 3, OwnerUserID: "owner",
	}
	if err := s.CreateShare(ctx, share); err != nil {
		t.Fatalf("CreateShare failed: %v", err)
	}

	ids := []string{"<idx-1@test>", "<idx-2@test>"}
	if err := s.SetShareIndex(ctx, share.ID, ids, "c2ln"); err != nil {
		t.Fatalf("SetShareIndex failed: %v", err)
	}

	got, err := s.GetShare(ctx, share.ID)
	if err != nil {
		t.Fatalf("GetShare failed: %v", err)
	}
	gotIDs, err := got.GetIndexMessageIDs()
	if err != nil {
		t.Fatalf("GetIndexMessageIDs failed: %v", err)
	}
	if len(gotIDs) != 2 || gotIDs[0] != ids[0] || gotIDs[1] != ids[1] {
		t.Errorf("index message ids did not round-trip: %v", gotIDs)
	}
	if got.Signature != "c2ln" {
		t.Errorf("signature did not persist: %s", got.Signature)
	}
}

func TestJobQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue := func(t *testing.T, entityID string, priority int, session string) string {
		t.Helper()
		id, err := s.EnqueueJob(ctx, &models.UploadJob{
			EntityType: models.EntitySegment,
			EntityID:   entityID,
			Priority:   priority,
			MaxRetries: 2,
			SessionID:  session,
		})
		if err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
		return id
	}

	t.Run("priority then fifo", func(t *testing.T) {
		enqueue(t, "low-1", models.PriorityLow, "s1")
		enqueue(t, "high-1", models.PriorityHigh, "s1")
		enqueue(t, "high-2", models.PriorityHigh, "s1")

		first, err := s.LeaseNextJob(ctx, "s1", "w1")
		if err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if first.EntityID != "high-1" {
			t.Errorf("expected high-1 first, got %s", first.EntityID)
		}
		second, err := s.LeaseNextJob(ctx, "s1", "w1")
		if err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if second.EntityID != "high-2" {
			t.Errorf("expected high-2 second, got %s", second.EntityID)
		}
		third, err := s.LeaseNextJob(ctx, "s1", "w2")
		if err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if third.EntityID != "low-1" {
			t.Errorf("expected low-1 third, got %s", third.EntityID)
		}
		if _, err := s.LeaseNextJob(ctx, "s1", "w1"); !errors.Is(err, models.ErrJobNotFound) {
			t.Errorf("expected drained queue, got %v", err)
		}

		if err := s.CompleteJob(ctx, first.ID); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
		if err := s.CompleteJob(ctx, second.ID); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
		if err := s.CompleteJob(ctx, third.ID); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
	})

	t.Run("fail bumps priority down then exhausts", func(t *testing.T) {
		id := enqueue(t, "flaky", models.PriorityHigh, "s2")

		job, err := s.LeaseNextJob(ctx, "s2", "w1")
		if err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if err := s.FailJob(ctx, id, "post rejected"); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		job, err = s.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.State != models.JobRetrying || job.Priority != models.PriorityHigh+1 || job.RetryCount != 1 {
			t.Errorf("unexpected after first failure: state=%s priority=%d retries=%d", job.State, job.Priority, job.RetryCount)
		}

		if _, err := s.LeaseNextJob(ctx, "s2", "w1"); err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if err := s.FailJob(ctx, id, "post rejected again"); err != nil {
			t.Fatalf("FailJob failed: %v", err)
		}
		job, err = s.GetJob(ctx, id)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job.State != models.JobFailed || job.CompletedAt == nil {
			t.Errorf("expected terminal failure, got state=%s", job.State)
		}
	})

	t.Run("retry priority never sinks below normal", func(t *testing.T) {
		id, err := s.EnqueueJob(ctx, &models.UploadJob{
			EntityType: models.EntitySegment,
			EntityID:   "stubborn",
			Priority:   models.PriorityHigh,
			MaxRetries: 5,
			SessionID:  "s5",
		})
		if err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}

		want := []int{
			models.PriorityHigh + 1,
			models.PriorityNormal,
			models.PriorityNormal,
			models.PriorityNormal,
		}
		for i, p := range want {
			if _, err := s.LeaseNextJob(ctx, "s5", "w1"); err != nil {
				t.Fatalf("LeaseNextJob failed on attempt %d: %v", i, err)
			}
			if err := s.FailJob(ctx, id, "server unreachable"); err != nil {
				t.Fatalf("FailJob failed on attempt %d: %v", i, err)
			}
			job, err := s.GetJob(ctx, id)
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if job.Priority != p {
				t.Errorf("attempt %d: expected priority %d, got %d", i, p, job.Priority)
			}
			if job.State != models.JobRetrying {
				t.Errorf("attempt %d: expected retrying, got %s", i, job.State)
			}
		}
	})

	t.Run("terminal job refuses transitions", func(t *testing.T) {
		id := enqueue(t, "done", models.PriorityNormal, "s3")
		job, err := s.LeaseNextJob(ctx, "s3", "w1")
		if err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}
		if err := s.CompleteJob(ctx, job.ID); err != nil {
			t.Fatalf("CompleteJob failed: %v", err)
		}
		if err := s.CompleteJob(ctx, id); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
		if err := s.FailJob(ctx, id, "late"); !errors.Is(err, models.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("pause resume cancel session", func(t *testing.T) {
		enqueue(t, "p1", models.PriorityNormal, "s4")
		enqueue(t, "p2", models.PriorityNormal, "s4")

		paused, err := s.PauseSession(ctx, "s4")
		if err != nil {
			t.Fatalf("PauseSession failed: %v", err)
		}
		if paused != 2 {
			t.Errorf("expected 2 paused, got %d", paused)
		}
		if _, err := s.LeaseNextJob(ctx, "s4", "w1"); !errors.Is(err, models.ErrJobNotFound) {
			t.Errorf("paused items must not lease, got %v", err)
		}

		resumed, err := s.ResumeSession(ctx, "s4")
		if err != nil {
			t.Fatalf("ResumeSession failed: %v", err)
		}
		if resumed != 2 {
			t.Errorf("expected 2 resumed, got %d", resumed)
		}

		cancelled, err := s.CancelSession(ctx, "s4")
		if err != nil {
			t.Fatalf("CancelSession failed: %v", err)
		}
		if cancelled != 2 {
			t.Errorf("expected 2 cancelled, got %d", cancelled)
		}
		counts, err := s.JobStateCounts(ctx, "s4")
		if err != nil {
			t.Fatalf("JobStateCounts failed: %v", err)
		}
		if counts[models.JobCancelled] != 2 {
			t.Errorf("unexpected counts: %v", counts)
		}
	})

	t.Run("orphaned jobs requeue", func(t *testing.T) {
		enqueue(t, "orphan", models.PriorityNormal, "s5")
		if _, err := s.LeaseNextJob(ctx, "s5", "w-crashed"); err != nil {
			t.Fatalf("LeaseNextJob failed: %v", err)
		}

		n, err := s.RequeueOrphanedJobs(ctx)
		if err != nil {
			t.Fatalf("RequeueOrphanedJobs failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 requeued, got %d", n)
		}
		job, err := s.LeaseNextJob(ctx, "s5", "w-new")
		if err != nil {
			t.Fatalf("LeaseNextJob after requeue failed: %v", err)
		}
		if job.EntityID != "orphan" {
			t.Errorf("expected orphan, got %s", job.EntityID)
		}
	})
}

func TestArticlesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	article := &models.Article{
		MessageID: "<a1@test>",
		Group:     "alt.binaries.test",
		Subject:   "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567",
		SizeLines: 42,
		Server:    "news.example.com",
		PostedAt:  time.Now(),
	}
	if err := s.RecordArticle(ctx, article); err != nil {
		t.Fatalf("RecordArticle failed: %v", err)
	}
	if err := s.RecordArticle(ctx, article); err != nil {
		t.Fatalf("replayed RecordArticle should be a no-op: %v", err)
	}

	n, err := s.CountArticles(ctx)
	if err != nil {
		t.Fatalf("CountArticles failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 article, got %d", n)
	}

	listed, err := s.ListArticlesByGroup(ctx, "alt.binaries.test", 10)
	if err != nil {
		t.Fatalf("ListArticlesByGroup failed: %v", err)
	}
	if len(listed) != 1 || listed[0].MessageID != "<a1@test>" {
		t.Errorf("unexpected listing: %+v", listed)
	}
}
