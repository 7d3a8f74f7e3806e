//go:build unix

package trivialdb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const mmapSupported = true

// mmapStore serves reads from a shared mapping of the whole file. Accesses
// past the mapped length first re-stat the file, since other handles grow
// it, and fall back to positional IO for anything still unmapped.
type mmapStore struct {
	fileStore
	data     []byte
	writable bool
}

func newMmapStore(f *os.File, writable bool) (*mmapStore, error) {
	s := &mmapStore{fileStore: fileStore{f: f}, writable: writable}
	if err := s.remap(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *mmapStore) remap() error {
	sz, err := s.fileStore.size()
	if err != nil {
		return err
	}
	if sz == int64(len(s.data)) {
		return nil
	}
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return ioError(err)
		}
		s.data = nil
	}
	if sz == 0 {
		return nil
	}
	if sz != int64(int(sz)) {
		return fmt.Errorf("%w: file of %d bytes cannot be mapped", ErrOutOfMemory, sz)
	}
	prot := unix.PROT_READ
	if s.writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(s.f.Fd()), 0, int(sz), prot, unix.MAP_SHARED)
	if err != nil {
		return ioError(err)
	}
	s.data = data
	return nil
}

func (s *mmapStore) readAt(p []byte, off int64) error {
	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		if err := s.remap(); err != nil {
			return err
		}
	}
	if off >= 0 && end <= int64(len(s.data)) {
		copy(p, s.data[off:end])
		return nil
	}
	return s.fileStore.readAt(p, off)
}

func (s *mmapStore) writeAt(p []byte, off int64) error {
	end := off + int64(len(p))
	if off >= 0 && end <= int64(len(s.data)) {
		copy(s.data[off:end], p)
		return nil
	}
	return s.fileStore.writeAt(p, off)
}

func (s *mmapStore) truncate(size int64) error {
	if err := s.fileStore.truncate(size); err != nil {
		return err
	}
	return s.remap()
}

func (s *mmapStore) sync() error {
	if len(s.data) > 0 && s.writable {
		if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
			return ioError(err)
		}
	}
	return s.fileStore.sync()
}

func (s *mmapStore) close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return ioError(err)
}
