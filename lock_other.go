//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly || windows)

package trivialdb

import (
	"fmt"
	"os"
)

func newFileLocker(f *os.File) (locker, error) {
	return nil, fmt.Errorf("%w: no file locking on this platform, open with NoLock", ErrInvalid)
}
