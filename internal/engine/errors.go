package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationMissing means the service or task the privileged runner
	// needs is not installed. The caller may install it and retry once.
	ErrRegistrationMissing = errors.New("engine registration missing")

	// ErrInvalidRegistrationState means the registration exists but is in a
	// state the runner cannot start from (disabled, pending, queued).
	ErrInvalidRegistrationState = errors.New("engine registration in unexpected state")

	// ErrAlreadyStarted is returned by Start when the supervisor is not idle.
	ErrAlreadyStarted = errors.New("engine already started")
)

// LaunchError wraps a failure to bring the engine up.
type LaunchError struct {
	Mode RunMode
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("engine: launch (%s): %v", e.Mode, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
