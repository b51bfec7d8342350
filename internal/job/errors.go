package job

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("job not found")
	ErrConcurrentModification = errors.New("job was modified concurrently")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDuplicate              = errors.New("an identical job is already active")

	// ErrSkipUpdate returned from an update function leaves the job untouched.
	ErrSkipUpdate = errors.New("skip update")
)

// DuplicateJobError names the active job that made a submission redundant.
type DuplicateJobError struct {
	ExistingID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicate, e.ExistingID)
}

func (e *DuplicateJobError) Is(target error) bool { return target == ErrDuplicate }
