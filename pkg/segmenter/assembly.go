package segmenter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/usenetsync/usenetsync/pkg/crypto"
)

// Assembly writes recovered segment windows into a destination file. Windows
// may arrive in any order and from concurrent fetchers; each lands at its
// recorded offset. Verify re-reads the finished file and checks it against
// the indexed content hash.
type Assembly struct {
	f       *os.File
	path    string
	size    int64
	written atomic.Int64
}

// NewAssembly creates the destination file, pre-sized so out-of-order writes
// land without growing the file repeatedly.
func NewAssembly(path string, size int64) (*Assembly, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &Assembly{f: f, path: path, size: size}, nil
}

// ResumeAssembly reopens an existing destination file without truncating it,
// so windows recovered by an earlier run survive. The file is re-sized to the
// expected length in case the earlier run was cut off mid-truncate.
func ResumeAssembly(path string, size int64) (*Assembly, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &Assembly{f: f, path: path, size: size}, nil
}

// WriteAt places one plaintext window at its offset.
func (a *Assembly) WriteAt(data []byte, off int64) error {
	if off < 0 || off+int64(len(data)) > a.size {
		return fmt.Errorf("window [%d, %d) outside file of %d bytes", off, off+int64(len(data)), a.size)
	}
	if _, err := a.f.WriteAt(data, off); err != nil {
		return err
	}
	a.written.Add(int64(len(data)))
	return nil
}

// Written returns the bytes written so far. With non-overlapping windows it
// equals the file size when assembly is complete.
func (a *Assembly) Written() int64 {
	return a.written.Load()
}

// Verify re-hashes the assembled file and compares against wantHash (hex
// SHA-256). A mismatch is reported as ErrIntegrity.
func (a *Assembly) Verify(wantHash string) error {
	if _, err := a.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	h := sha256.New()
	if _, err := io.Copy(h, a.f); err != nil {
		return err
	}
	if hex.EncodeToString(h.Sum(nil)) != wantHash {
		return fmt.Errorf("%s: assembled file does not match indexed hash: %w", a.path, crypto.ErrIntegrity)
	}
	return nil
}

// Close flushes and closes the destination file.
func (a *Assembly) Close() error {
	if err := a.f.Sync(); err != nil {
		a.f.Close()
		return err
	}
	return a.f.Close()
}

// Abort closes and removes a partially assembled file.
func (a *Assembly) Abort() error {
	a.f.Close()
	return os.Remove(a.path)
}
