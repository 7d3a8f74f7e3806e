// Open flags and store modes.
package trivialdb

import (
	"strconv"
	"strings"
)

// Flag selects database behaviour at open time. The bit values follow the
// classic tdb constants; NoSync and Seqnum are distinct bits.
type Flag uint32

const (
	ClearIfFirst     Flag = 1 << 0  // wipe the file when this is the only opener
	Internal         Flag = 1 << 1  // anonymous in-memory storage, path ignored
	NoLock           Flag = 1 << 2  // no cross-handle locking at all
	NoMmap           Flag = 1 << 3  // use pread/pwrite instead of a shared mapping
	NoSync           Flag = 1 << 6  // skip fsync during transaction commit
	Seqnum           Flag = 1 << 7  // maintain a change counter
	Volatile         Flag = 1 << 8  // tombstones + per-chain freelists
	AllowNesting     Flag = 1 << 9  // transaction_start may nest
	DisallowNesting  Flag = 1 << 10 // nested transaction_start fails (default)
	IncompatibleHash Flag = 1 << 11 // lookup3 hash instead of the legacy hash
	MutexLocking     Flag = 1 << 12 // robust mutexes in the file instead of fcntl
)

// formatFlags are recorded in the descriptor and must match between openers.
const formatFlags = IncompatibleHash | MutexLocking

// runtimeFlags may be toggled on an open handle with AddFlags/RemoveFlags.
const runtimeFlags = NoSync | Seqnum | AllowNesting | DisallowNesting

var flagNames = []struct {
	f    Flag
	name string
}{
	{ClearIfFirst, "ClearIfFirst"},
	{Internal, "Internal"},
	{NoLock, "NoLock"},
	{NoMmap, "NoMmap"},
	{NoSync, "NoSync"},
	{Seqnum, "Seqnum"},
	{Volatile, "Volatile"},
	{AllowNesting, "AllowNesting"},
	{DisallowNesting, "DisallowNesting"},
	{IncompatibleHash, "IncompatibleHash"},
	{MutexLocking, "MutexLocking"},
}

func (f Flag) String() string {
	if f == 0 {
		return "0"
	}
	var parts []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			parts = append(parts, n.name)
			f &^= n.f
		}
	}
	if f != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(f), 16))
	}
	return strings.Join(parts, "|")
}

// StoreMode controls whether Store may create, overwrite, or both.
type StoreMode int

const (
	StoreDefault StoreMode = iota // create or overwrite
	StoreInsert                   // create only, ErrExists if present
	StoreReplace                  // overwrite only, ErrNoExist if absent
	StoreModify                   // same as StoreReplace
)

func (m StoreMode) valid() bool {
	return m >= StoreDefault && m <= StoreModify
}
