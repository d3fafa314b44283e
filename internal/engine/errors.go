package engine

import (
	"errors"
	"fmt"
)

// ErrSessionNotRunning is returned when a step is requested for a
// session that is not in the running state.
var ErrSessionNotRunning = errors.New("engine: session is not running")

// ErrSessionNotSuspended is returned when a resume is requested for a
// session that is not suspended.
var ErrSessionNotSuspended = errors.New("engine: session is not suspended")

// ErrEventMismatch is returned when a resume event satisfies a different
// wait condition than the one the session suspended on. The session
// stays suspended.
var ErrEventMismatch = errors.New("engine: event does not match wait condition")

// PermanentError marks an unrecoverable handler failure, such as a
// malformed template. The session transitions to failed without retries.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent handler error: %s", e.Reason)
}

// Permanent builds an unrecoverable handler failure.
func Permanent(format string, args ...any) error {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err is an unrecoverable handler failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
