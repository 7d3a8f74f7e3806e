//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package trivialdb

import (
	"fmt"
	"log/slog"
	"os"
)

// RobustMutexesSupported reports whether MutexLocking can be used here.
func RobustMutexesSupported() bool { return false }

func newMutexLocker(*os.File, locker, layout, *slog.Logger) (locker, error) {
	return nil, fmt.Errorf("%w: robust mutexes are not supported on this platform", ErrInvalid)
}
