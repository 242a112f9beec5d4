package stream

import (
	"errors"
	"fmt"
)

// UnrecoverableError is returned by sources when the session cannot be
// resumed without operator intervention: the checkpoint was purged from the
// server, or the credentials were refused. Every other source error is
// treated as transient.
type UnrecoverableError struct {
	Reason string
	Err    error
}

func (e *UnrecoverableError) Error() string {
	if e.Err == nil {
		return "unrecoverable stream error: " + e.Reason
	}
	return fmt.Sprintf("unrecoverable stream error: %s: %v", e.Reason, e.Err)
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// Unrecoverable wraps err as an UnrecoverableError.
func Unrecoverable(reason string, err error) error {
	return &UnrecoverableError{Reason: reason, Err: err}
}

// IsUnrecoverable reports whether err, or anything it wraps, is an
// UnrecoverableError.
func IsUnrecoverable(err error) bool {
	var target *UnrecoverableError
	return errors.As(err, &target)
}
