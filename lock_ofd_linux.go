package trivialdb

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ofdSupported probes for open-file-description locks (Linux 3.15+).
func ofdSupported(f *os.File) bool {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart, Len: 1}
	return unix.FcntlFlock(f.Fd(), unix.F_OFD_GETLK, &lk) == nil
}

func setlkCmd(ofd, wait bool) int {
	switch {
	case ofd && wait:
		return unix.F_OFD_SETLKW
	case ofd:
		return unix.F_OFD_SETLK
	case wait:
		return unix.F_SETLKW
	}
	return unix.F_SETLK
}
