package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/usenetsync/usenetsync/internal/logger"
)

// ============================================
// BACKUP / RESTORE (embedded engine only)
// ============================================

// ErrBackupUnsupported is returned when backup or restore is requested on a
// server engine; use the server's native tooling there.
var ErrBackupUnsupported = fmt.Errorf("backup requires the embedded sqlite engine")

// Backup writes a consistent copy of the embedded database to destPath. The
// WAL is checkpointed into the main file first, so the copy alone restores
// the full state.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if s.config.Type != DatabaseTypeSQLite {
		return ErrBackupUnsupported
	}

	if err := s.db.WithContext(ctx).Exec("PRAGMA wal_checkpoint(TRUNCATE)").Error; err != nil {
		return fmt.Errorf("failed to checkpoint wal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	// Copy into a sibling temp file, then rename, so a crash mid-copy never
	// leaves a truncated backup at destPath.
	tmp := destPath + ".tmp"
	if err := copyFile(s.config.SQLite.Path, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to copy database: %w", err)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize backup: %w", err)
	}

	logger.InfoCtx(ctx, "database backup written", logger.KeyPath, destPath)
	return nil
}

// Restore replaces the embedded database with the backup at srcPath. The
// store must be re-opened afterwards; callers close it first.
func Restore(ctx context.Context, config *Config, srcPath string) error {
	if config == nil {
		config = &Config{}
	}
	config.ApplyDefaults()
	if config.Type != DatabaseTypeSQLite {
		return ErrBackupUnsupported
	}

	if _, err := os.Stat(srcPath); err != nil {
		return fmt.Errorf("backup not readable: %w", err)
	}

	dbPath := config.SQLite.Path
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// Stale WAL/SHM sidecars from the previous database must not survive the
	// restore; they would be replayed against the restored file.
	for _, sidecar := range []string{dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", sidecar, err)
		}
	}

	tmp := dbPath + ".restore"
	if err := copyFile(srcPath, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := os.Rename(tmp, dbPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace database: %w", err)
	}

	logger.InfoCtx(ctx, "database restored", logger.KeyPath, srcPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
