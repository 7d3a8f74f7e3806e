// Compression for recovery logs and dumps.
//
// Recovery logs carry whole 4 KiB block images, most of which are zero
// padding or slack, so they compress well. Compressing shortens the window
// in which a commit is writing the log, and with it the fsync cost.
package trivialdb

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Shared encoder/decoder, both safe for concurrent use. Construction is
// expensive, so they are allocated once.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func compress(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return zstdEncoder.EncodeAll(data, nil)
}

// decompress expands data, which must decode to exactly rawLen bytes.
func decompress(data []byte, rawLen int) ([]byte, error) {
	if len(data) == 0 && rawLen == 0 {
		return nil, nil
	}
	out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %w", ErrCorrupt, err)
	}
	if len(out) != rawLen {
		return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrCorrupt, len(out), rawLen)
	}
	return out, nil
}
