package maintenance

import (
	"fmt"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
)

var (
	// ErrCanceled marks a step or task that stopped because cancellation was
	// requested. Tasks ending with it are Canceled rather than Failed.
	ErrCanceled = errors.New("maintenance canceled")
	// ErrDrainExhausted is fatal: the database still had users after a
	// forced drain, so nothing destructive may proceed.
	ErrDrainExhausted = latch.ErrDrainExhausted
	// ErrTaskRunning is returned when a maintenance task is already running.
	ErrTaskRunning = errors.Mark(errors.New("a maintenance task is already running"), errors.ErrConflict)
	// ErrIncompatibleArchive marks an archive this version cannot restore.
	ErrIncompatibleArchive = errors.New("incompatible archive")
)

// IsCanceled reports whether err is (or wraps) a cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

func canceledf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCanceled)
}

// failure wraps err with the step that produced it, keeping its marks.
func failure(step string, err error) error {
	return errors.Wrap(err, fmt.Sprintf("step %s", step))
}
