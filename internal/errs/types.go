package errs

import (
	"fmt"

	"go.uber.org/multierr"
)

// DirectoryError wraps a failed directory request. Unwrap yields one of the
// package sentinels so callers can use errors.Is without knowing the client.
type DirectoryError struct {
	Op  string
	DN  string
	Err error
}

func (e *DirectoryError) Error() string {
	if e.DN == "" {
		return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("directory %s %q: %v", e.Op, e.DN, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// SyncFailure records one entity that could not be reconciled.
type SyncFailure struct {
	Entity string // "user", "group" or "ou"
	ID     string
	Op     string
	Err    error
}

func (f SyncFailure) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", f.Entity, f.ID, f.Op, f.Err)
}

func (f SyncFailure) Unwrap() error { return f.Err }

// PartialSyncError is returned by a reconciliation pass that finished but
// skipped some entities.
type PartialSyncError struct {
	Failures []SyncFailure
}

// NewPartialSyncError returns nil when there are no failures.
func NewPartialSyncError(failures []SyncFailure) error {
	if len(failures) == 0 {
		return nil
	}
	return &PartialSyncError{Failures: failures}
}

func (e *PartialSyncError) Error() string {
	var combined error
	for _, f := range e.Failures {
		combined = multierr.Append(combined, f)
	}
	return fmt.Sprintf("%v: %d entities failed: %v", ErrPartialSync, len(e.Failures), combined)
}

// Is makes errors.Is(err, ErrPartialSync) hold.
func (e *PartialSyncError) Is(target error) bool { return target == ErrPartialSync }

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *PartialSyncError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}
