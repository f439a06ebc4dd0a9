package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// New creates an error carrying reason.
func New(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Wrap attaches a reason code to an error (no-op if err is nil or already reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts a reason code from an error. Errors without one report
// ReasonInternal.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonInternal
}

// HasReason returns true if err contains the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return err != nil && Reason(err) == reason
}
