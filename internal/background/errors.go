package background

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is wrapped by every job validation failure.
	ErrInvalidConfig = errors.New("invalid background job config")
	// ErrUnknownJob is returned by lookups of an id this supervisor never issued.
	ErrUnknownJob = errors.New("unknown background job")
)

// SpawnError is one failed unit of work. It is reported on the bus and never
// fails the job.
type SpawnError struct {
	JobID string
	Err   error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("job %s: spawn: %v", e.JobID, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// SupervisionError is a failure of the trigger loop itself (loading sources
// or consuming the merged stream). It moves the job to failed and engages the
// restart policy. Attempt is the restart count at the time of failure.
type SupervisionError struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *SupervisionError) Error() string {
	return fmt.Sprintf("job %s: supervision (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}
func (e *SupervisionError) Unwrap() error { return e.Err }

// IsSpawnError reports whether err is (or wraps) a *SpawnError.
func IsSpawnError(err error) bool {
	var e *SpawnError
	return errors.As(err, &e)
}

// IsSupervisionError reports whether err is (or wraps) a *SupervisionError.
func IsSupervisionError(err error) bool {
	var e *SupervisionError
	return errors.As(err, &e)
}
