package segmenter

import (
	"fmt"
	"io"
	"os"
)

// sourceReader exposes a file's bytes by range without reading the whole
// file into memory. Memory-mapped when the platform supports it, falling
// back to positioned reads.
type sourceReader struct {
	f    *os.File
	size int64

	data   []byte // non-nil when mapped
	mapped bool
}

// openSource opens a file for segmentation.
func openSource(path string) (*sourceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &sourceReader{f: f, size: info.Size()}
	if r.size > 0 {
		if data, err := mapFile(f, r.size); err == nil {
			r.data = data
			r.mapped = true
		}
	}
	return r, nil
}

// Size returns the file size at open time.
func (r *sourceReader) Size() int64 {
	return r.size
}

// Range returns the bytes in [off, off+n). The returned slice aliases the
// mapping when mapped; callers must not retain it past Close.
func (r *sourceReader) Range(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > r.size {
		return nil, fmt.Errorf("range [%d, %d) outside file of %d bytes", off, off+n, r.size)
	}
	if n == 0 {
		return nil, nil
	}
	if r.mapped {
		return r.data[off : off+n], nil
	}

	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close releases the mapping and the file.
func (r *sourceReader) Close() error {
	if r.mapped {
		unmapFile(r.data)
		r.data = nil
		r.mapped = false
	}
	return r.f.Close()
}
