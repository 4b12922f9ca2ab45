package db

import (
	"strings"

	"github.com/teranos/warden/errors"
)

// ErrDatabaseClosed is returned when operations are attempted on a closed database,
// typically a handle that was swapped out and closed while a caller still held it.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The string fallback covers driver errors that cannot be wrapped at the source.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// IsMissingTable reports whether err is SQLite's "no such table" error.
func IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
