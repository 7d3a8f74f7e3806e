// Handle configuration.
package trivialdb

import (
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Defaults applied by Open when the corresponding Config field is zero.
const (
	DefaultHashSize  = 131
	DefaultMaxDead   = 5 // tombstones per chain before a purge, Volatile only
	DefaultFreelists = 8 // freelists created by Volatile databases
	DefaultMode      = fs.FileMode(0o600)
)

// Config holds the options for Open and OpenMemory. The zero value is a
// usable configuration.
type Config struct {
	HashSize    uint32        // buckets when creating, ignored for existing files (default 131)
	Flags       Flag          // behaviour flags
	OpenFlags   int           // os.O_CREATE, os.O_EXCL, os.O_TRUNC (default os.O_CREATE)
	ReadOnly    bool          // open without write access
	Mode        fs.FileMode   // permissions for a new file (default 0600)
	MaxDead     int           // tombstone budget per chain, Volatile only (default 5)
	Freelists   uint32        // freelists when creating a Volatile database (default 8)
	LockTimeout time.Duration // give up blocking lock waits after this long, 0 waits forever
	Logger      *slog.Logger  // nil discards
}

// withDefaults returns the config with zero values replaced.
func (c Config) withDefaults() Config {
	if c.HashSize == 0 {
		c.HashSize = DefaultHashSize
	}
	if c.OpenFlags == 0 {
		c.OpenFlags = os.O_CREATE
	}
	if c.Mode == 0 {
		c.Mode = DefaultMode
	}
	if c.Flags&Volatile != 0 {
		if c.MaxDead == 0 {
			c.MaxDead = DefaultMaxDead
		}
		if c.Freelists == 0 {
			c.Freelists = DefaultFreelists
		}
	} else {
		c.Freelists = 1
	}
	if c.Flags&Internal != 0 {
		c.Flags |= NoLock | NoMmap
		c.Flags &^= ClearIfFirst | MutexLocking
	}
	if c.Flags&AllowNesting != 0 && c.Flags&DisallowNesting != 0 {
		c.Flags &^= AllowNesting
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}
	return c
}

// validate rejects combinations that cannot work.
func (c Config) validate() error {
	if c.ReadOnly && c.Flags&ClearIfFirst != 0 {
		return errorf(ErrInvalid, "ClearIfFirst needs write access")
	}
	if c.MaxDead < 0 {
		return errorf(ErrInvalid, "negative MaxDead %d", c.MaxDead)
	}
	if c.Flags&MutexLocking != 0 {
		switch {
		case !RobustMutexesSupported():
			return errorf(ErrInvalid, "MutexLocking is not supported on this platform")
		case c.Flags&ClearIfFirst == 0:
			return errorf(ErrInvalid, "MutexLocking requires ClearIfFirst")
		case c.Flags&(NoMmap|NoLock) != 0:
			return errorf(ErrInvalid, "MutexLocking requires mmap and locking")
		}
	}
	return nil
}
