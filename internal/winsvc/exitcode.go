package winsvc

import "errors"

// exitStatus maps the worker's result to the values svc.Handler.Execute
// returns: no error is a clean stop, anything else a service-specific code.
func exitStatus(err error) (bool, uint32) {
	if err == nil {
		return false, 0
	}
	return true, exitCode(err)
}

// exitCode is the engine's own exit status when the error carries one, 1 otherwise.
func exitCode(err error) uint32 {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) && ec.ExitCode() > 0 {
		return uint32(ec.ExitCode())
	}
	return 1
}
