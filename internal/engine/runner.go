package engine

import "context"

// LaunchSpec is everything a runner needs to bring the engine up.
type LaunchSpec struct {
	ExePath     string
	HomePath    string
	ConfigPath  string
	Controller  string
	ShowConsole bool
}

// Args returns the engine command line.
func (s LaunchSpec) Args() []string {
	return []string{"-d", s.HomePath, "-f", s.ConfigPath, "-ext-ctl", s.Controller}
}

// Runner starts the engine in one particular RunMode.
//
// Runners report a missing registration by wrapping ErrRegistrationMissing
// and an unusable one by wrapping ErrInvalidRegistrationState.
type Runner interface {
	Mode() RunMode
	Start(ctx context.Context, spec LaunchSpec) (Handle, error)
}

// Handle is a live engine instance.
type Handle interface {
	// Stop terminates the instance. It is safe to call after the instance exited.
	Stop() error
}

// Waitable handles are owned processes whose exit can be awaited.
type Waitable interface {
	Done() <-chan struct{}
}

// Pollable handles are externally hosted and must be polled for liveness.
type Pollable interface {
	Running() (bool, error)
}

// exitErr returns the exit error of h when it exposes one.
func exitErr(h Handle) error {
	if e, ok := h.(interface{ Err() error }); ok {
		return e.Err()
	}
	return nil
}
