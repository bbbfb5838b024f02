package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("eventdb: not found")
	ErrClosed               = errors.New("eventdb: closed")
	ErrInvalidArgument      = errors.New("eventdb: invalid argument")
	ErrCorruptDatabase      = errors.New("eventdb: corrupted database")
	ErrPTableNotFound       = errors.New("eventdb: ptable not found")
	ErrWriterFailed         = errors.New("eventdb: writer failed")
	ErrStreamDeleted        = errors.New("eventdb: stream deleted")
	ErrWrongExpectedVersion = errors.New("eventdb: wrong expected version")
	ErrScavengeRunning      = errors.New("eventdb: scavenge running")
	ErrCheckpointRegression = errors.New("eventdb: checkpoint regression")
)

// CorruptionError describes a storage file that failed validation.
// It matches ErrCorruptDatabase through errors.Is.
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", ErrCorruptDatabase, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCorruptDatabase, e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptDatabase
}

// Corrupt builds a CorruptionError with a formatted reason.
func Corrupt(path, format string, args ...any) error {
	return &CorruptionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
