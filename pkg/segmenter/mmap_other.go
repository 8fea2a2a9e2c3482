//go:build !unix

package segmenter

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("memory mapping not supported")

func mapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errNoMmap
}

func unmapFile(data []byte) {}
