// Package trivialdb provides an embedded key/value store backed by a single
// file that many handles, in one process or in several, can open and mutate
// at the same time without a server.
//
// The file holds a fixed bucket directory. Each bucket heads a singly linked
// chain of variable-length records, and deleted space is kept on one or more
// freelists for reuse. Handles coordinate through byte-range locks on
// well-known offsets of the file (or robust mutexes kept in the file when
// MutexLocking is chosen): one lock per chain, one per freelist, and an
// allrecord range that covers all of them. Transactions buffer their writes
// in a private shadow of the file and publish them through a redo log, so a
// crash during commit is repaired by the next opener.
//
// Keys and values are opaque byte strings. There is no query language, no
// secondary index and no schema: records are found by exact key only.
package trivialdb

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors for programmatic handling. Callers use errors.Is to
// distinguish recoverable lock contention (ErrLock, ErrLockTimeout) from
// contract violations (ErrReadOnly, ErrNesting, ErrInvalid) and from
// conditions that are fatal to the handle (ErrCorrupt, ErrOutOfMemory).
var (
	ErrCorrupt     = errors.New("corrupt database")
	ErrIO          = errors.New("io error")
	ErrLock        = errors.New("locking error")
	ErrOutOfMemory = errors.New("out of memory")
	ErrExists      = errors.New("record exists")
	ErrNoLock      = errors.New("lock not held")
	ErrLockTimeout = errors.New("lock timeout")
	ErrReadOnly    = errors.New("database is read-only")
	ErrNoExist     = errors.New("record does not exist")
	ErrInvalid     = errors.New("invalid argument")
	ErrNesting     = errors.New("nested transactions not allowed")
	ErrClosed      = errors.New("database is closed")
)

// Code is the fixed error taxonomy of the engine.
type Code int

const (
	CodeSuccess Code = iota
	CodeCorrupt
	CodeIO
	CodeLock
	CodeOutOfMemory
	CodeExists
	CodeNoLock
	CodeLockTimeout
	CodeReadOnly
	CodeNoExist
	CodeInvalid
	CodeNesting
	CodeClosed
	CodeUnknown
)

var codeNames = [...]string{
	CodeSuccess:     "Success",
	CodeCorrupt:     "Corrupt",
	CodeIO:          "IO",
	CodeLock:        "Lock",
	CodeOutOfMemory: "OutOfMemory",
	CodeExists:      "Exists",
	CodeNoLock:      "NoLock",
	CodeLockTimeout: "LockTimeout",
	CodeReadOnly:    "ReadOnly",
	CodeNoExist:     "NoExist",
	CodeInvalid:     "Invalid",
	CodeNesting:     "Nesting",
	CodeClosed:      "Closed",
	CodeUnknown:     "Unknown",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return codeNames[CodeUnknown]
	}
	return codeNames[c]
}

// CodeOf classifies err. A nil error is CodeSuccess; anything the engine
// did not produce is CodeUnknown.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrCorrupt):
		return CodeCorrupt
	case errors.Is(err, ErrOutOfMemory):
		return CodeOutOfMemory
	case errors.Is(err, ErrLockTimeout):
		return CodeLockTimeout
	case errors.Is(err, ErrLock):
		return CodeLock
	case errors.Is(err, ErrNoLock):
		return CodeNoLock
	case errors.Is(err, ErrExists):
		return CodeExists
	case errors.Is(err, ErrReadOnly):
		return CodeReadOnly
	case errors.Is(err, ErrNoExist):
		return CodeNoExist
	case errors.Is(err, ErrInvalid):
		return CodeInvalid
	case errors.Is(err, ErrNesting):
		return CodeNesting
	case errors.Is(err, ErrClosed):
		return CodeClosed
	case errors.Is(err, ErrIO):
		return CodeIO
	}
	return CodeUnknown
}

// ioError wraps an OS error so that it matches ErrIO, or ErrOutOfMemory
// when the kernel ran out of address space or memory.
func ioError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOMEM) {
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// errorf wraps a sentinel with a formatted message.
func errorf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
