// Storage back ends.
//
// All file access goes through the storage interface so that the same
// record-store code runs against a shared mapping, plain pread/pwrite, an
// anonymous in-memory buffer, or a transaction's shadow. Reads and writes
// are positional so concurrent handles never share a file offset.
package trivialdb

import (
	"fmt"
	"os"
)

type storage interface {
	readAt(p []byte, off int64) error
	writeAt(p []byte, off int64) error
	size() (int64, error) // physical size
	truncate(size int64) error
	sync() error
	close() error
}

// memStore backs Internal databases. Writes past the end extend the
// buffer the way pwrite extends a file.
type memStore struct {
	buf []byte
}

func newMemStore(img []byte) *memStore {
	return &memStore{buf: img}
}

func (m *memStore) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return fmt.Errorf("%w: read of %d bytes at %d past end %d", ErrCorrupt, len(p), off, len(m.buf))
	}
	copy(p, m.buf[off:])
	return nil
}

func (m *memStore) writeAt(p []byte, off int64) error {
	if end := off + int64(len(p)); end > int64(len(m.buf)) {
		if err := m.truncate(end); err != nil {
			return err
		}
	}
	copy(m.buf[off:], p)
	return nil
}

func (m *memStore) size() (int64, error) {
	return int64(len(m.buf)), nil
}

func (m *memStore) truncate(size int64) error {
	if size < 0 || size != int64(int(size)) {
		return fmt.Errorf("%w: size %d", ErrOutOfMemory, size)
	}
	if size <= int64(cap(m.buf)) {
		old := len(m.buf)
		m.buf = m.buf[:size]
		if int(size) > old {
			clear(m.buf[old:])
		}
		return nil
	}
	grown := make([]byte, size, size+size/4)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *memStore) sync() error  { return nil }
func (m *memStore) close() error { m.buf = nil; return nil }

// openStorage picks the back end for an on-disk file.
func openStorage(f *os.File, flags Flag, writable bool) (storage, error) {
	if flags&NoMmap == 0 && mmapSupported {
		s, err := newMmapStore(f, writable)
		if err == nil {
			return s, nil
		}
		// Mapping can fail on filesystems without shared mmap support;
		// positional IO always works.
	}
	return &fileStore{f: f}, nil
}
