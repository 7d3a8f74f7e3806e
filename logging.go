package trivialdb

import "log/slog"

var discardLogger = slog.New(slog.DiscardHandler)

// opLogger returns the handle's logger tagged with an operation name.
func (db *DB) opLogger(op string) *slog.Logger {
	return db.log.With(slog.String("op", op))
}
