//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package trivialdb

import (
	"os"

	"golang.org/x/sys/unix"
)

func ofdSupported(*os.File) bool { return false }

func setlkCmd(_, wait bool) int {
	if wait {
		return unix.F_SETLKW
	}
	return unix.F_SETLK
}
