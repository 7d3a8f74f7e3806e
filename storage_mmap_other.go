//go:build !unix

package trivialdb

import (
	"errors"
	"os"
)

const mmapSupported = false

func newMmapStore(f *os.File, writable bool) (storage, error) {
	return nil, errors.New("mmap not supported on this platform")
}
