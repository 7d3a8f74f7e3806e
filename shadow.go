// Transaction shadow.
//
// While a transaction is active every read and write of the handle goes
// through a shadow of the file. The first write to a 4 KiB block copies it
// from the file into an ordered index; later reads of that block are served
// from the copy. The file itself is untouched until commit, which walks the
// dirty blocks in ascending order.
package trivialdb

import (
	"fmt"

	"github.com/google/btree"
)

type block struct {
	idx  int64
	data []byte
}

type shadow struct {
	base     storage
	origSize int64 // file size when the transaction started
	baseSize int64 // file bytes still visible, lowered by truncate
	end      int64 // logical size of the shadowed file
	blocks   *btree.BTreeG[*block]
}

func newShadow(base storage) (*shadow, error) {
	size, err := base.size()
	if err != nil {
		return nil, err
	}
	return &shadow{
		base:     base,
		origSize: size,
		baseSize: size,
		end:      size,
		blocks:   btree.NewG(16, func(a, b *block) bool { return a.idx < b.idx }),
	}, nil
}

// readBase fills p from the file, zero past the size it had at start.
func (s *shadow) readBase(p []byte, off int64) error {
	n := min(int64(len(p)), max(s.baseSize-off, 0))
	if n > 0 {
		if err := s.base.readAt(p[:n], off); err != nil {
			return err
		}
	}
	clear(p[n:])
	return nil
}

func (s *shadow) readAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > s.end {
		return fmt.Errorf("%w: read of %d bytes at %d past end %d", ErrCorrupt, len(p), off, s.end)
	}
	for len(p) > 0 {
		idx, in := off/blockSize, off%blockSize
		n := min(int64(len(p)), blockSize-in)
		if b, ok := s.blocks.Get(&block{idx: idx}); ok {
			copy(p[:n], b.data[in:])
		} else if err := s.readBase(p[:n], off); err != nil {
			return err
		}
		p, off = p[n:], off+n
	}
	return nil
}

func (s *shadow) writeAt(p []byte, off int64) error {
	if off < 0 {
		return fmt.Errorf("%w: write at %d", ErrInvalid, off)
	}
	s.end = max(s.end, off+int64(len(p)))
	for len(p) > 0 {
		idx, in := off/blockSize, off%blockSize
		n := min(int64(len(p)), blockSize-in)
		b, err := s.block(idx)
		if err != nil {
			return err
		}
		copy(b.data[in:], p[:n])
		p, off = p[n:], off+n
	}
	return nil
}

// block returns the shadow copy of block idx, creating it on first use.
func (s *shadow) block(idx int64) (*block, error) {
	if b, ok := s.blocks.Get(&block{idx: idx}); ok {
		return b, nil
	}
	b := &block{idx: idx, data: make([]byte, blockSize)}
	if err := s.readBase(b.data, idx*blockSize); err != nil {
		return nil, err
	}
	s.blocks.ReplaceOrInsert(b)
	return b, nil
}

func (s *shadow) size() (int64, error) {
	return s.end, nil
}

// truncate drops blocks past the new end and zeroes the tail of the last
// one. File contents past the new end are forgotten, so regrowing the
// shadow reads zeros like a file would.
func (s *shadow) truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: truncate to %d", ErrInvalid, size)
	}
	if size < s.end {
		if in := size % blockSize; in != 0 {
			b, err := s.block(size / blockSize)
			if err != nil {
				return err
			}
			clear(b.data[in:])
		}
		var drop []*block
		s.blocks.AscendGreaterOrEqual(&block{idx: alignUp(size, blockSize) / blockSize}, func(b *block) bool {
			drop = append(drop, b)
			return true
		})
		for _, b := range drop {
			s.blocks.Delete(b)
		}
		s.baseSize = min(s.baseSize, size)
	}
	s.end = size
	return nil
}

func (s *shadow) sync() error  { return nil }
func (s *shadow) close() error { return nil }

// dirty returns the block images to publish, in ascending offset order,
// each cut to the transaction's final size.
func (s *shadow) dirty() []logEntry {
	var out []logEntry
	s.blocks.Ascend(func(b *block) bool {
		off := b.idx * blockSize
		if off >= s.end {
			return false
		}
		n := min(blockSize, s.end-off)
		out = append(out, logEntry{off: off, data: b.data[:n]})
		return true
	})
	return out
}
