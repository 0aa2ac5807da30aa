package workers

import (
	"errors"
	"fmt"
)

// ErrLockContention is returned when the worker cannot acquire its pid lock
// file because another live worker holds it. The worker exits with status 1;
// the producer's next dispatch respawns one.
var ErrLockContention = errors.New("worker lock is held by a live process")

// ErrPreloadMissing is returned when a job's preload path does not exist at
// execution time. Retryable: the file may appear under transient deployment
// conditions.
var ErrPreloadMissing = errors.New("preload file missing")

// ErrJobTimeout is returned when an attempt exceeds the job's timeout.
// Retryable.
var ErrJobTimeout = errors.New("job execution timed out")

// PanicError promotes a recovered panic in user code to an ordinary job
// error, carrying the stack captured at recovery.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
