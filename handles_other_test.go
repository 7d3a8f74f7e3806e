//go:build !linux && !windows

package trivialdb

// Classic POSIX locks belong to the process, so a file may only be opened
// once per process.
const multiHandle = false
