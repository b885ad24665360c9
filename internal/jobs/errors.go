package jobs

import (
	"errors"
	"fmt"

	"github.com/Yapping72/r2d/internal/storage"
)

var (
	// ErrStateGuard is returned when an operation is attempted from a status
	// that does not allow it. The job is left untouched.
	ErrStateGuard = errors.New("operation not allowed in current job status")
	// ErrUnknownKind is returned when no strategy is registered for a job type.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrItemNotFound is returned when a nested item path does not exist.
	ErrItemNotFound = errors.New("item not found")
	// ErrRemote wraps failures reported by the remote job service.
	ErrRemote = errors.New("remote job service failed")
)

// ValidationError reports an upload whose shape cannot be turned into job
// parameters. Oversized fields are truncated and never produce this error.
type ValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid job parameters at item %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid job parameters at item %d: field %q %s", e.Index, e.Field, e.Reason)
}

func guardError(op string, status storage.JobStatus) error {
	return fmt.Errorf("%s from %q: %w", op, status, ErrStateGuard)
}
