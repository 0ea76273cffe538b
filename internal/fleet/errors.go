package fleet

import (
	"errors"
	"fmt"
)

var (
	ErrNoQueueGroups      = errors.New("no queue groups to start")
	ErrInvalidConcurrency = errors.New("max concurrency must be at least 1")
	ErrSpawnFailed        = errors.New("failed to spawn worker")
	ErrWorkerDied         = errors.New("worker exited unexpectedly")
	ErrAlreadyRun         = errors.New("supervisor has already been run")
)

// InvalidStateError is returned when attempting an invalid Supervisor state
// transition.
type InvalidStateError struct {
	from State
	to   State
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to State) InvalidStateError {
	return InvalidStateError{from, to}
}
