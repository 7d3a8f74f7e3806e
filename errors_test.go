package trivialdb

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, CodeSuccess},
		{ErrCorrupt, CodeCorrupt},
		{fmt.Errorf("store: %w", ErrExists), CodeExists},
		{fmt.Errorf("chain 3: %w", ErrLockTimeout), CodeLockTimeout},
		{ErrLock, CodeLock},
		{ErrNoLock, CodeNoLock},
		{ErrReadOnly, CodeReadOnly},
		{ErrNoExist, CodeNoExist},
		{ErrInvalid, CodeInvalid},
		{ErrNesting, CodeNesting},
		{ErrClosed, CodeClosed},
		{ioError(syscall.EIO), CodeIO},
		{ioError(syscall.ENOMEM), CodeOutOfMemory},
		{errors.New("elsewhere"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CodeOf(tt.err), "%v", tt.err)
	}
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "Success", CodeSuccess.String())
	assert.Equal(t, "LockTimeout", CodeLockTimeout.String())
	assert.Equal(t, "Unknown", Code(99).String())
	assert.Equal(t, "Unknown", Code(-1).String())
}

func TestIOErrorKeepsCause(t *testing.T) {
	err := ioError(syscall.EIO)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.NoError(t, ioError(nil))
}

func TestClosedHandle(t *testing.T) {
	db := openMemoryDB(t, Config{})
	assert.NoError(t, db.Close())

	_, _, err := db.Fetch([]byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, db.Store([]byte("k"), nil, StoreDefault), ErrClosed)
	assert.ErrorIs(t, db.TransactionStart(), ErrClosed)
	_, err = db.Check()
	assert.ErrorIs(t, err, ErrClosed)
}
