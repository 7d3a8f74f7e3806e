package trivialdb

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// fileStore reads and writes with pread/pwrite. Used with NoMmap and where
// shared mappings are unavailable.
type fileStore struct {
	f *os.File
}

func (s *fileStore) readAt(p []byte, off int64) error {
	n, err := s.f.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: short read of %d bytes at %d", ErrCorrupt, len(p), off)
	}
	return ioError(err)
}

func (s *fileStore) writeAt(p []byte, off int64) error {
	if _, err := s.f.WriteAt(p, off); err != nil {
		return ioError(err)
	}
	return nil
}

func (s *fileStore) size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, ioError(err)
	}
	return info.Size(), nil
}

func (s *fileStore) truncate(size int64) error {
	return ioError(s.f.Truncate(size))
}

func (s *fileStore) sync() error {
	return ioError(s.f.Sync())
}

func (s *fileStore) close() error { return nil }
