package bootstrap

import (
	"errors"
	"fmt"
)

var (
	ErrLockHeld            = errors.New("bootstrap: another instance is already running")
	ErrFingerprintMismatch = errors.New("bootstrap: CA fingerprint mismatch")
)

// ExitError ends the process with Code. The caller decides how to exit.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

// StateError is returned in one-shot mode for the first failed step.
type StateError struct {
	State   string
	Message string
	Err     error
}

func (e *StateError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.State, e.Err)
	}
	return e.Message
}

func (e *StateError) Unwrap() error { return e.Err }

// fetchError marks errors returned by Routes so they can be told apart from
// parse and verification failures.
type fetchError struct {
	err error
}

func (e *fetchError) Error() string { return e.err.Error() }

func (e *fetchError) Unwrap() error { return e.err }
