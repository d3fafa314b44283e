package clients

import (
	"errors"
	"fmt"
)

// TransientError marks a collaborator failure worth retrying: timeouts,
// connection errors, 5xx responses. Anything else is treated as
// permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient collaborator error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable collaborator failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
